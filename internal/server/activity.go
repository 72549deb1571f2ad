package server

import (
	"context"
	"os"

	"github.com/p-arndt/spielwart/internal/archive"
	"github.com/p-arndt/spielwart/internal/backup"
	"github.com/p-arndt/spielwart/internal/install"
	"github.com/p-arndt/spielwart/internal/limits"
	"github.com/p-arndt/spielwart/internal/runtime"
	"github.com/p-arndt/spielwart/internal/transfer"
)

// beginInstall launches the install pipeline. The loop stays responsive;
// only install completion re-enters it.
func (s *Server) beginInstall() {
	s.setState(Installing)

	ctx, cancel := context.WithCancel(context.Background())
	s.activityCancel = cancel

	image := s.def.InstallImage
	if image == "" {
		image = s.def.Image
	}
	res, err := limits.Translate(s.def.Limits)
	if err != nil {
		res = runtime.Resources{}
	}
	req := install.Request{
		ServerID: s.def.UUID,
		Image:    image,
		Cmd:      s.def.InstallCmd,
		Mounts: []runtime.Mount{{
			Source: s.deps.Cfg.ServerDataPath(s.def.UUID),
			Target: "/mnt/install",
		}},
		Resources: res,
		Timeout:   s.deps.Cfg.Timeouts.Install(),
	}

	go func() {
		outcome, runErr := s.deps.Installer.Run(ctx, req, s.hub)
		s.enqueue(func() {
			s.finishInstall(outcome, runErr)
		})
	}()
}

func (s *Server) finishInstall(outcome install.Outcome, err error) {
	if s.activityCancel != nil {
		s.activityCancel()
		s.activityCancel = nil
	}

	ok := err == nil && outcome.Success
	if ok {
		s.setLastError("")
	} else {
		reason := outcome.Reason
		if err != nil {
			reason = err.Error()
		}
		s.setLastError("install failed: " + reason)
	}

	s.mu.Lock()
	s.def.Installed = ok
	s.mu.Unlock()

	if m := s.deps.Metrics; m != nil {
		label := "failed"
		if ok {
			label = "succeeded"
		}
		m.Installs.WithLabelValues(label).Inc()
	}
	s.setState(Offline)

	if s.deps.OnInstalled != nil {
		go s.deps.OnInstalled(s.def.UUID, ok)
	}
}

// beginRestore replaces the server's data from a backup.
func (s *Server) beginRestore(ref string) {
	s.setState(RestoringBackup)

	ctx, cancel := context.WithCancel(context.Background())
	s.activityCancel = cancel

	dataDir := s.deps.Cfg.ServerDataPath(s.def.UUID)
	go func() {
		s.publishDaemon("Restoring server from backup " + ref + "...")
		err := s.deps.Backups.Restore(ctx, backup.Handle{Ref: ref, Adapter: backup.AdapterLocal}, dataDir)
		s.enqueue(func() {
			s.finishRestore(ref, err)
		})
	}()
}

func (s *Server) finishRestore(ref string, err error) {
	if s.activityCancel != nil {
		s.activityCancel()
		s.activityCancel = nil
	}
	if err != nil {
		s.setLastError("restore failed: " + err.Error())
		s.publishDaemon("Backup restore failed: " + err.Error())
	} else {
		s.setLastError("")
		s.publishDaemon("Backup " + ref + " restored.")
	}
	s.setState(Offline)
}

// beginTransfer starts the outgoing transfer saga. A live container is
// stopped first; the saga itself begins once the server is offline.
func (s *Server) beginTransfer(cmd Command) {
	if s.containerIDLocked() != "" && (s.state == Running || s.state == Starting) {
		s.transferPending = &cmd
		s.doStop(true, false, s.state)
		return
	}
	s.startTransfer(cmd)
}

func (s *Server) startTransfer(cmd Command) {
	// After the pre-transfer stop the server sits in Offline; rollback
	// returns it there.
	s.preTransfer = s.state
	s.setState(Transferring)

	ctx, cancel := context.WithCancel(context.Background())
	s.activityCancel = cancel

	format := archive.TarGz
	if cmd.ArchiveFormat != "" {
		if f, err := archive.ParseFormat("." + cmd.ArchiveFormat); err == nil {
			format = f
		}
	}

	req := transfer.Request{
		ServerID:    s.def.UUID,
		DataDir:     s.deps.Cfg.ServerDataPath(s.def.UUID),
		Destination: cmd.Destination,
		Token:       cmd.Token,
		Format:      format,
	}

	go func() {
		result := s.deps.Transfers.Run(ctx, req, s.hub)
		s.enqueue(func() {
			s.finishTransfer(result)
		})
	}()
}

func (s *Server) finishTransfer(result transfer.Result) {
	if s.activityCancel != nil {
		s.activityCancel()
		s.activityCancel = nil
	}

	if m := s.deps.Metrics; m != nil {
		label := "failed"
		if result.Committed {
			label = "committed"
		}
		m.Transfers.WithLabelValues(label).Inc()
	}

	if !result.Committed {
		// Failure before the commit point: the destination discarded its
		// partial data, this side returns to its pre-transfer state.
		if result.Err != nil {
			s.setLastError("transfer failed: " + result.Err.Error())
		}
		s.setState(s.preTransfer)
		return
	}

	// Committed: the data lives on the destination now. Local cleanup
	// failures are deferred, never rolled back.
	s.mu.Lock()
	s.moved = true
	s.mu.Unlock()

	dataDir := s.deps.Cfg.ServerDataPath(s.def.UUID)
	if err := s.deps.Quota.Remove(dataDir); err != nil {
		s.log.Warn("remove disk quota after transfer", "error", err)
	}
	if err := os.RemoveAll(dataDir); err != nil {
		s.log.Warn("source data cleanup deferred", "error", err)
	}
	s.setState(Offline)

	if s.deps.OnTransferred != nil {
		go s.deps.OnTransferred(s.def.UUID)
	}
}
