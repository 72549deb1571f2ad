// Package transfer relocates a server's data to another node as a
// multi-phase saga. Every phase before the commit point has a compensating
// action; once the destination acknowledges, the transfer is irreversible
// and any remaining source cleanup is deferred, never rolled back.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/docker/go-units"

	"github.com/p-arndt/spielwart/internal/archive"
	"github.com/p-arndt/spielwart/internal/console"
)

// Phase enumerates the saga's steps.
type Phase int

const (
	PhasePreparing Phase = iota
	PhaseArchiving
	PhaseStreaming
	PhaseVerifying
	PhaseCommitting
	PhaseRollingBack
)

func (p Phase) String() string {
	switch p {
	case PhasePreparing:
		return "preparing"
	case PhaseArchiving:
		return "archiving"
	case PhaseStreaming:
		return "streaming"
	case PhaseVerifying:
		return "verifying"
	case PhaseCommitting:
		return "committing"
	case PhaseRollingBack:
		return "rolling_back"
	}
	return "unknown"
}

// Sentinel errors
var (
	ErrCancelled          = errors.New("transfer cancelled")
	ErrDestinationGone    = errors.New("transfer destination unreachable")
	ErrChecksumMismatch   = errors.New("transfer checksum mismatch")
	ErrAlreadyTransferred = errors.New("transfer already in progress")
)

// Request describes one outgoing transfer.
type Request struct {
	ServerID string
	DataDir  string
	// Destination is the peer node's transfer endpoint, e.g.
	// https://node2:8591/v1/transfers/<uuid>.
	Destination string
	Token       string
	Format      archive.Format
}

// Result is the saga's terminal outcome. After Committed the transfer is
// final even if source-side cleanup later fails; that cleanup is deferred,
// never a rollback.
type Result struct {
	Committed   bool
	FailedPhase Phase
	Err         error
}

// Coordinator runs outgoing transfer sagas. It owns no server state; the
// lifecycle core flips power states around Run.
type Coordinator struct {
	client *http.Client
	logger *slog.Logger
	dial   time.Duration
}

func NewCoordinator(logger *slog.Logger, dialTimeout time.Duration) *Coordinator {
	return &Coordinator{
		client: &http.Client{},
		logger: logger,
		dial:   dialTimeout,
	}
}

// Run drives the saga to a terminal phase. Cancellation is cooperative and
// only takes effect at phase boundaries; an in-flight upload is finished or
// fails on its own terms.
func (c *Coordinator) Run(ctx context.Context, req Request, hub *console.Hub) Result {
	log := c.logger.With("server_id", req.ServerID)
	var bytesArchived atomic.Uint64

	// Phase: preparing. Compensation: none needed, nothing happened yet.
	c.announce(hub, "Preparing to stream server data to destination...")
	if err := c.checkDestination(ctx, req); err != nil {
		return Result{FailedPhase: PhasePreparing, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return Result{FailedPhase: PhasePreparing, Err: ErrCancelled}
	}

	// Phases: archiving + streaming. The archive is produced directly into
	// the request body; there is no on-disk spool. Compensation: tell the
	// destination to discard partial data.
	progressDone := make(chan struct{})
	go c.reportProgress(hub, &bytesArchived, progressDone)

	checksum, resp, err := c.streamArchive(ctx, req, &bytesArchived)
	close(progressDone)
	if err != nil {
		c.rollback(req, hub, PhaseStreaming)
		return Result{FailedPhase: PhaseStreaming, Err: err}
	}
	defer resp.Body.Close()
	c.announce(hub, "Finished streaming archive to destination.")

	// Phase: verifying. The destination replies with the checksum it
	// computed over the received stream. Compensation: discard.
	if err := ctx.Err(); err != nil {
		c.rollback(req, hub, PhaseVerifying)
		return Result{FailedPhase: PhaseVerifying, Err: ErrCancelled}
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.rollback(req, hub, PhaseVerifying)
		return Result{
			FailedPhase: PhaseVerifying,
			Err:         fmt.Errorf("destination rejected archive: %s: %s", resp.Status, strings.TrimSpace(string(body))),
		}
	}
	if remote := resp.Header.Get("X-Checksum"); remote != "" && remote != checksum {
		c.rollback(req, hub, PhaseVerifying)
		return Result{
			FailedPhase: PhaseVerifying,
			Err:         fmt.Errorf("%w: local %s, remote %s", ErrChecksumMismatch, checksum, remote),
		}
	}

	// Phase: committing. After the destination acknowledges the commit the
	// transfer can no longer be rolled back; the data now lives there.
	if err := c.commit(ctx, req); err != nil {
		c.rollback(req, hub, PhaseCommitting)
		return Result{FailedPhase: PhaseCommitting, Err: err}
	}

	log.Info("transfer committed", "destination", req.Destination, "checksum", checksum)
	c.announce(hub, "Transfer completed.")
	return Result{Committed: true}
}

func (c *Coordinator) checkDestination(ctx context.Context, req Request) error {
	ctx, cancel := context.WithTimeout(ctx, c.dial)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodHead, req.Destination, nil)
	if err != nil {
		return fmt.Errorf("build destination request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+req.Token)
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDestinationGone, err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: destination returned %s", ErrDestinationGone, resp.Status)
	}
	return nil
}

// streamArchive produces the archive into a multipart upload and returns
// the local checksum plus the destination's response. The checksum part is
// written after the archive part completes, so the destination can verify
// without buffering.
func (c *Coordinator) streamArchive(ctx context.Context, req Request, counter *atomic.Uint64) (string, *http.Response, error) {
	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)

	checksumCh := make(chan string, 1)
	go func() {
		defer close(checksumCh)
		part, err := form.CreateFormFile("archive", "archive."+req.Format.Extension())
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		sum, err := archive.Stream(req.DataDir, req.Format, part, counter)
		if err != nil {
			pw.CloseWithError(fmt.Errorf("archive server data: %w", err))
			return
		}
		checksumCh <- sum
		if err := form.WriteField("checksum", sum); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(form.Close())
	}()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.Destination, pr)
	if err != nil {
		return "", nil, fmt.Errorf("build upload request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+req.Token)
	httpReq.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrDestinationGone, err)
	}

	// By the time Do returns, the writer has either delivered the checksum
	// or failed the pipe. A destination that answers before the archive is
	// fully streamed closes the body and lands in the failure branch.
	sum, ok := <-checksumCh
	if !ok {
		resp.Body.Close()
		return "", nil, fmt.Errorf("destination replied before the archive was fully streamed")
	}
	return sum, resp, nil
}

func (c *Coordinator) commit(ctx context.Context, req Request) error {
	ctx, cancel := context.WithTimeout(ctx, c.dial)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.Destination+"/commit", nil)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Authorization", "Bearer "+req.Token)
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDestinationGone, err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("destination refused commit: %s", resp.Status)
	}
	return nil
}

// rollback asks the destination to discard partial data. Best effort: the
// source side's state restoration is handled by the lifecycle core.
func (c *Coordinator) rollback(req Request, hub *console.Hub, from Phase) {
	c.announce(hub, "Transfer failed, rolling back.")
	c.logger.Warn("transfer rolling back", "server_id", req.ServerID, "from_phase", from.String())

	ctx, cancel := context.WithTimeout(context.Background(), c.dial)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, req.Destination, nil)
	if err != nil {
		return
	}
	httpReq.Header.Set("Authorization", "Bearer "+req.Token)
	if resp, err := c.client.Do(httpReq); err == nil {
		resp.Body.Close()
	}
}

func (c *Coordinator) announce(hub *console.Hub, msg string) {
	if hub != nil {
		hub.Publish(console.SourceDaemon, []byte("[Transfer System] "+msg))
	}
}

// reportProgress publishes a throughput line once per second while the
// archive is streaming.
func (c *Coordinator) reportProgress(hub *console.Hub, counter *atomic.Uint64, done <-chan struct{}) {
	if hub == nil {
		return
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	start := time.Now()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			n := counter.Load()
			rate := float64(n) / time.Since(start).Seconds()
			c.announce(hub, fmt.Sprintf("Transferred %s (%s/s)",
				units.HumanSize(float64(n)), units.HumanSize(rate)))
		}
	}
}
