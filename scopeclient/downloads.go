package scopeclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"

	"github.com/manlab/nodescope-go/wire"
)

// DownloadStatus is one download's lifecycle position.
type DownloadStatus string

const (
	StatusQueued      DownloadStatus = "queued"
	StatusPreparing   DownloadStatus = "preparing"
	StatusDownloading DownloadStatus = "downloading"
	StatusCompleted   DownloadStatus = "completed"
	StatusFailed      DownloadStatus = "failed"
	StatusCancelled   DownloadStatus = "cancelled"
)

// DownloadType discriminates single-file downloads from zip bundles.
type DownloadType string

const (
	DownloadSingle DownloadType = "single"
	DownloadZip    DownloadType = "zip"
)

// DownloadItem is the observable state of one download. It is client-local
// bookkeeping; the server knows nothing about downloads, only reads.
type DownloadItem struct {
	ID    string
	Type  DownloadType
	Paths []string
	Dest  string

	Status           DownloadStatus
	TransferredBytes int64
	// TotalBytes is the expected size when the caller knew it from a prior
	// listing, nil otherwise.
	TotalBytes *int64
	// Error carries the failure text for StatusFailed items.
	Error string
}

// DownloadRequest describes one download to enqueue. More than one path
// bundles the files into a zip at Dest; exactly one path writes the raw
// bytes.
type DownloadRequest struct {
	Session wire.Session
	Paths   []string
	Dest    string
	// TotalBytes enables percentage progress when the caller already knows
	// the size from a listing.
	TotalBytes *int64
}

const downloadQueueCapacity = 128

// Downloads runs a queue of file downloads through one sequential worker,
// mirroring the reassembly loop's own sequential-read discipline. Progress
// is polled through Items and Item; downloads write to "<dest>.part" and
// rename on completion, so a failed or cancelled transfer never leaves a
// partial file at the destination.
type Downloads struct {
	client *Client
	log    *slog.Logger

	mu      sync.Mutex
	items   map[string]*downloadState
	order   []string
	cancels map[string]context.CancelFunc

	queue chan string
}

type downloadState struct {
	item DownloadItem
	sess wire.Session
}

// DownloadsOption configures a Downloads manager.
type DownloadsOption func(*Downloads)

// WithDownloadsLogger sets the logger for transfer diagnostics.
func WithDownloadsLogger(log *slog.Logger) DownloadsOption {
	return func(d *Downloads) { d.log = log }
}

// NewDownloads builds a download manager over client. Call Run to start the
// worker.
func NewDownloads(client *Client, opts ...DownloadsOption) *Downloads {
	d := &Downloads{
		client:  client,
		log:     slog.Default(),
		items:   make(map[string]*downloadState),
		cancels: make(map[string]context.CancelFunc),
		queue:   make(chan string, downloadQueueCapacity),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Enqueue adds a download and returns its id.
func (d *Downloads) Enqueue(req DownloadRequest) (string, error) {
	if len(req.Paths) == 0 {
		return "", errors.New("download needs at least one path")
	}
	for _, p := range req.Paths {
		if strings.TrimSpace(p) == "" {
			return "", errors.New("download paths must be non-empty")
		}
	}
	if strings.TrimSpace(req.Dest) == "" {
		return "", errors.New("download destination is required")
	}

	typ := DownloadSingle
	if len(req.Paths) > 1 {
		typ = DownloadZip
	}
	item := DownloadItem{
		ID:     uuid.NewString(),
		Type:   typ,
		Paths:  append([]string(nil), req.Paths...),
		Dest:   req.Dest,
		Status: StatusQueued,
	}
	if req.TotalBytes != nil {
		total := *req.TotalBytes
		item.TotalBytes = &total
	}

	d.mu.Lock()
	select {
	case d.queue <- item.ID:
	default:
		d.mu.Unlock()
		return "", errors.New("download queue is full")
	}
	d.items[item.ID] = &downloadState{item: item, sess: req.Session}
	d.order = append(d.order, item.ID)
	d.mu.Unlock()

	return item.ID, nil
}

// Cancel stops a download. Queued items are cancelled in place; an active
// transfer is interrupted and its partial output discarded. Terminal items
// are left alone and Cancel reports false.
func (d *Downloads) Cancel(id string) bool {
	d.mu.Lock()
	st, ok := d.items[id]
	if !ok {
		d.mu.Unlock()
		return false
	}
	switch st.item.Status {
	case StatusQueued:
		st.item.Status = StatusCancelled
		d.mu.Unlock()
		return true
	case StatusPreparing, StatusDownloading:
		cancel := d.cancels[id]
		d.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return true
	default:
		d.mu.Unlock()
		return false
	}
}

// Retry re-queues a failed or cancelled download. It reuses the session
// captured at enqueue time: if that session has since expired the attempt
// fails with session_expired and the caller must enqueue a fresh request.
func (d *Downloads) Retry(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.items[id]
	if !ok {
		return fmt.Errorf("unknown download %s", id)
	}
	if st.item.Status != StatusFailed && st.item.Status != StatusCancelled {
		return fmt.Errorf("download is %s; only failed or cancelled downloads can be retried", st.item.Status)
	}
	select {
	case d.queue <- id:
	default:
		return errors.New("download queue is full")
	}
	st.item.Status = StatusQueued
	st.item.TransferredBytes = 0
	st.item.Error = ""
	return nil
}

// Remove drops a terminal item from the bookkeeping. Active and queued items
// are kept and Remove reports false.
func (d *Downloads) Remove(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.items[id]
	if !ok {
		return false
	}
	switch st.item.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		delete(d.items, id)
		for i, oid := range d.order {
			if oid == id {
				d.order = append(d.order[:i], d.order[i+1:]...)
				break
			}
		}
		return true
	default:
		return false
	}
}

// Item returns a copy of one download's state.
func (d *Downloads) Item(id string) (DownloadItem, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.items[id]
	if !ok {
		return DownloadItem{}, false
	}
	return copyItem(st.item), true
}

// Items returns all downloads in enqueue order.
func (d *Downloads) Items() []DownloadItem {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DownloadItem, 0, len(d.order))
	for _, id := range d.order {
		if st, ok := d.items[id]; ok {
			out = append(out, copyItem(st.item))
		}
	}
	return out
}

// Run processes the queue until ctx ends. One transfer runs at a time.
func (d *Downloads) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case id := <-d.queue:
			d.process(ctx, id)
		}
	}
}

func (d *Downloads) process(ctx context.Context, id string) {
	d.mu.Lock()
	st, ok := d.items[id]
	if !ok || st.item.Status != StatusQueued {
		// Cancelled or removed while waiting in the queue.
		d.mu.Unlock()
		return
	}
	st.item.Status = StatusPreparing
	sess := st.sess
	item := copyItem(st.item)
	itemCtx, cancel := context.WithCancel(ctx)
	d.cancels[id] = cancel
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.cancels, id)
		d.mu.Unlock()
		cancel()
	}()

	tmp := item.Dest + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		d.finish(id, itemCtx, fmt.Errorf("create %s: %w", tmp, err))
		return
	}

	d.setStatus(id, StatusDownloading)
	switch item.Type {
	case DownloadZip:
		err = d.transferZip(itemCtx, f, sess, item)
	default:
		err = d.transferSingle(itemCtx, f, sess, item)
	}
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close %s: %w", tmp, cerr)
	}

	if err != nil {
		// Partial output is discarded, never left at the destination.
		_ = os.Remove(tmp)
		d.finish(id, itemCtx, err)
		return
	}
	if err := os.Rename(tmp, item.Dest); err != nil {
		_ = os.Remove(tmp)
		d.finish(id, itemCtx, fmt.Errorf("move into place: %w", err))
		return
	}
	d.finish(id, itemCtx, nil)
}

func (d *Downloads) transferSingle(ctx context.Context, f io.Writer, sess wire.Session, item DownloadItem) error {
	return d.client.FetchTo(ctx, &countingWriter{d: d, id: item.ID, w: f}, sess, item.Paths[0])
}

func (d *Downloads) transferZip(ctx context.Context, f io.Writer, sess wire.Session, item DownloadItem) error {
	zw := zip.NewWriter(f)
	for _, p := range item.Paths {
		w, err := zw.Create(zipEntryName(sess.RootPath, p))
		if err != nil {
			return fmt.Errorf("zip entry %s: %w", p, err)
		}
		if err := d.client.FetchTo(ctx, &countingWriter{d: d, id: item.ID, w: w}, sess, p); err != nil {
			return fmt.Errorf("fetch %s: %w", p, err)
		}
	}
	return zw.Close()
}

// finish records the terminal state. An interrupted context wins over the
// error it caused, so user cancellation never reads as a failure.
func (d *Downloads) finish(id string, itemCtx context.Context, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.items[id]
	if !ok {
		return
	}
	switch {
	case itemCtx.Err() != nil:
		st.item.Status = StatusCancelled
		d.log.Info("download.cancelled", slog.String("id", id), slog.String("dest", st.item.Dest))
	case err != nil:
		st.item.Status = StatusFailed
		st.item.Error = err.Error()
		d.log.Warn("download.failed", slog.String("id", id), slog.String("err", err.Error()))
	default:
		st.item.Status = StatusCompleted
		d.log.Info("download.completed",
			slog.String("id", id),
			slog.String("dest", st.item.Dest),
			slog.Int64("bytes", st.item.TransferredBytes))
	}
}

func (d *Downloads) setStatus(id string, status DownloadStatus) {
	d.mu.Lock()
	if st, ok := d.items[id]; ok {
		st.item.Status = status
	}
	d.mu.Unlock()
}

func (d *Downloads) addTransferred(id string, n int64) {
	d.mu.Lock()
	if st, ok := d.items[id]; ok {
		st.item.TransferredBytes += n
	}
	d.mu.Unlock()
}

func copyItem(item DownloadItem) DownloadItem {
	out := item
	out.Paths = append([]string(nil), item.Paths...)
	if item.TotalBytes != nil {
		total := *item.TotalBytes
		out.TotalBytes = &total
	}
	return out
}

// countingWriter advances the owning item's progress counter as chunks land.
type countingWriter struct {
	d  *Downloads
	id string
	w  io.Writer
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	if n > 0 {
		cw.d.addTransferred(cw.id, int64(n))
	}
	return n, err
}

// zipEntryName maps a session path onto an archive member name, relative to
// the session root.
func zipEntryName(root, p string) string {
	name := p
	if root != "" && root != "/" {
		if rel := strings.TrimPrefix(p, root); rel != p {
			name = rel
		}
	}
	name = strings.TrimPrefix(path.Clean("/"+name), "/")
	if name == "" || name == "." {
		name = path.Base(p)
	}
	return name
}
