package anacrolix

import (
	"fmt"
	"time"

	"github.com/anacrolix/torrent"

	"torrentcast/internal/domain"
	"torrentcast/internal/domain/ports"
)

// Session is a handle onto engine bookkeeping; it holds no state of its own
// so it stays valid across pause and resume.
type Session struct {
	engine *Engine
	id     domain.SessionID
}

func (s *Session) ID() domain.SessionID {
	return s.id
}

func (s *Session) torrent() (*managed, error) {
	m, ok := s.engine.lookup(s.id)
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return m, nil
}

func (s *Session) Name() string {
	m, err := s.torrent()
	if err != nil {
		return ""
	}
	return m.t.Name()
}

func (s *Session) Files() []domain.FileRef {
	m, err := s.torrent()
	if err != nil {
		return nil
	}
	return mapFiles(m.t)
}

func (s *Session) Stream(fileIndex int) (ports.StreamReader, error) {
	m, err := s.torrent()
	if err != nil {
		return nil, err
	}
	if !torrentInfoReady(m.t) {
		return nil, fmt.Errorf("%w: metadata not ready", domain.ErrInsufficientData)
	}
	files := m.t.Files()
	if fileIndex < 0 || fileIndex >= len(files) {
		return nil, fmt.Errorf("%w: %d", domain.ErrFileIndexOutOfRange, fileIndex)
	}
	return files[fileIndex].NewReader(), nil
}

func (s *Session) Stats() domain.SessionStats {
	m, err := s.torrent()
	if err != nil {
		return domain.SessionStats{}
	}

	s.engine.mu.RLock()
	selected := append([]int(nil), m.selected...)
	paused := m.paused
	verifying := m.verifying
	s.engine.mu.RUnlock()

	stats := m.t.Stats()
	download, upload := s.engine.sampleSpeed(s.id, stats, time.Now().UTC())

	out := domain.SessionStats{
		DownloadSpeed: download,
		UploadSpeed:   upload,
		Peers:         stats.ActivePeers,
		Paused:        paused,
	}
	if !torrentInfoReady(m.t) {
		return out
	}
	out.ProgressBytes, out.TotalBytes = selectionProgress(m.t.Files(), selected)
	out.Finished = out.TotalBytes > 0 && out.ProgressBytes >= out.TotalBytes
	out.Live = !verifying && !piecesChecking(m.t)
	if paused {
		out.DownloadSpeed, out.UploadSpeed = 0, 0
	}
	return out
}

func selectionProgress(files []*torrent.File, selected []int) (done, total int64) {
	if len(selected) == 0 {
		for _, f := range files {
			done += f.BytesCompleted()
			total += f.Length()
		}
		return done, total
	}
	for _, idx := range selected {
		if idx < 0 || idx >= len(files) {
			continue
		}
		done += files[idx].BytesCompleted()
		total += files[idx].Length()
	}
	return done, total
}

func (s *Session) Pause() error {
	m, err := s.torrent()
	if err != nil {
		return err
	}
	s.engine.mu.Lock()
	m.paused = true
	s.engine.mu.Unlock()
	hardPauseTorrent(m.t)
	return nil
}

func (s *Session) Unpause() error {
	m, err := s.torrent()
	if err != nil {
		return err
	}
	s.engine.resume(s.id, m)
	return nil
}

// PurgeData deletes the selected files from disk. The torrent stays known to
// the client and is re-verified on the next Unpause so the piece map matches
// what is actually on disk.
func (s *Session) PurgeData() error {
	m, err := s.torrent()
	if err != nil {
		return err
	}
	hardPauseTorrent(m.t)

	s.engine.mu.Lock()
	m.paused = true
	m.needsVerify = true
	selected := append([]int(nil), m.selected...)
	s.engine.mu.Unlock()

	return removePaths(s.engine.filePaths(m.t, selected))
}

func (s *Session) Delete(purge bool) error {
	m, err := s.torrent()
	if err != nil {
		return err
	}
	var paths []string
	if purge {
		paths = s.engine.filePaths(m.t, nil)
	}
	s.engine.forget(s.id, m.t)
	return removePaths(paths)
}
