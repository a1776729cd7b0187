package netobs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"cosmossdk.io/log"
	"github.com/fsnotify/fsnotify"

	"driverlink/internal/model"
)

// ChanSource is fed by the host application, e.g. a mobile bridge.
type ChanSource struct {
	ch chan model.NetworkState
}

func NewChanSource() *ChanSource {
	return &ChanSource{ch: make(chan model.NetworkState, 16)}
}

// Push hands a raw sample to the observer. It blocks while the buffer is full.
func (s *ChanSource) Push(ns model.NetworkState) {
	s.ch <- ns
}

func (s *ChanSource) Run(ctx context.Context, out chan<- model.NetworkState) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ns := <-s.ch:
			select {
			case out <- ns:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// FileSource watches a JSON state file written by a platform hook:
//
//	{"isConnected": true, "isInternetReachable": true, "type": "wifi"}
type FileSource struct {
	Path   string
	logger log.Logger
}

func NewFileSource(path string, logger log.Logger) *FileSource {
	return &FileSource{Path: path, logger: logger.With("module", "netobs", "source", "file")}
}

type fileState struct {
	IsConnected         bool   `json:"isConnected"`
	IsInternetReachable *bool  `json:"isInternetReachable"`
	Type                string `json:"type"`
}

// ReadState parses the state file once.
func (s *FileSource) ReadState() (model.NetworkState, error) {
	b, err := os.ReadFile(s.Path)
	if err != nil {
		return model.NetworkState{}, err
	}
	var fs fileState
	if err := json.Unmarshal(b, &fs); err != nil {
		return model.NetworkState{}, fmt.Errorf("parse %s: %w", s.Path, err)
	}
	ns := model.NetworkState{
		Reachable:         fs.IsConnected,
		InternetReachable: fs.IsConnected,
		TransportType:     model.ParseTransportType(fs.Type),
	}
	if fs.IsInternetReachable != nil {
		ns.InternetReachable = *fs.IsInternetReachable
	}
	if !ns.Reachable {
		ns.TransportType = model.TransportNone
	}
	return ns, nil
}

// Run watches the parent directory so atomic rename-into-place updates are
// seen too.
func (s *FileSource) Run(ctx context.Context, out chan<- model.NetworkState) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("network state watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(s.Path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(s.Path), err)
	}

	emit := func() {
		ns, err := s.ReadState()
		if err != nil {
			if !os.IsNotExist(err) {
				s.logger.Error("read network state", "err", err)
			}
			return
		}
		select {
		case out <- ns:
		case <-ctx.Done():
		}
	}
	emit()

	want := filepath.Clean(s.Path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != want {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				emit()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Error("network state watcher", "err", err)
		}
	}
}
