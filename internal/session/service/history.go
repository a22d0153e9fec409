package service

import (
	"context"
	"log"
	"time"

	"v2raybridge/internal/session"
	"v2raybridge/internal/session/repository"
)

const historyWriteTimeout = 5 * time.Second

// HistoryRecorder persists session lifecycles observed through a controller
// subscription. Snapshots are latest-wins, so a session may be seen only in
// its final state; the recorder still opens and closes it.
type HistoryRecorder struct {
	repo repository.HistoryRepository

	openID       string
	closedID     string
	connected    bool
	peakUpload   int64
	peakDownload int64
}

func NewHistoryRecorder(repo repository.HistoryRepository) *HistoryRecorder {
	return &HistoryRecorder{repo: repo}
}

// Run consumes snapshots from c until ctx is done.
func (h *HistoryRecorder) Run(ctx context.Context, c *Controller) {
	updates, cancel := c.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			h.Observe(ctx, snap)
		}
	}
}

// Observe applies one snapshot to the stored history.
func (h *HistoryRecorder) Observe(ctx context.Context, snap session.StatusSnapshot) {
	if snap.SessionID == "" || snap.SessionID == h.closedID {
		return
	}

	if snap.SessionID != h.openID {
		if h.openID != "" {
			// Предыдущая сессия закончилась, но ее DISCONNECTED снапшот был перезаписан
			h.close(ctx, time.Now(), "")
		}
		h.open(ctx, snap)
	}

	if snap.State == session.StateConnected {
		if !h.connected {
			h.connected = true
			h.write(ctx, "mark connected", func(ctx context.Context) error {
				return h.repo.MarkConnected(ctx, snap.SessionID, snap.ConnectedAt)
			})
		}
		h.peakUpload = max(h.peakUpload, snap.UploadSpeed)
		h.peakDownload = max(h.peakDownload, snap.DownloadSpeed)
	}

	if snap.State == session.StateDisconnected {
		h.close(ctx, time.Now(), snap.LastError)
	}
}

func (h *HistoryRecorder) open(ctx context.Context, snap session.StatusSnapshot) {
	h.openID = snap.SessionID
	h.connected = false
	h.peakUpload, h.peakDownload = 0, 0

	started := snap.StartedAt
	if started.IsZero() {
		started = time.Now()
	}
	h.write(ctx, "open", func(ctx context.Context) error {
		return h.repo.Open(ctx, &repository.SessionRecord{
			ID:        snap.SessionID,
			Remark:    snap.Remark,
			State:     string(snap.State),
			StartedAt: started,
		})
	})
}

func (h *HistoryRecorder) close(ctx context.Context, endedAt time.Time, lastError string) {
	id, up, down := h.openID, h.peakUpload, h.peakDownload
	h.openID = ""
	h.closedID = id
	h.connected = false
	h.write(ctx, "close", func(ctx context.Context) error {
		return h.repo.Close(ctx, id, endedAt, lastError, up, down)
	})
}

func (h *HistoryRecorder) write(ctx context.Context, op string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), historyWriteTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		log.Printf("HistoryRecorder: %s failed: %v", op, err)
	}
}
