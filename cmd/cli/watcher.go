package cli

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/netopshq/dnsfwd/internal/resolvconf"
)

func resolvConfPath() string {
	return resolvconf.DefaultPath
}

// logTamper reports an out-of-band change to the resolution endpoint file,
// including where resolution points after the change.
func logTamper(path, op string) {
	mainLog.Load().Warn().Str("op", op).
		Strs("nameservers", resolvconf.Nameservers(path)).
		Msg("resolution endpoint file modified outside dnsfwd")
}

// watchResolvConf warns when the resolution-endpoint file changes underneath
// the supervisor. The file is locked after convergence, so any modification
// means the lock was deliberately cleared or never held.
func watchResolvConf(path string, stopCh chan struct{}) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		mainLog.Load().Warn().Err(err).Msg("could not watch resolution endpoint file")
		return
	}
	defer watcher.Close()

	// Watch the directory: rewrites via rename would drop a watch set on the
	// file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		mainLog.Load().Warn().Err(err).Msg("could not watch resolution endpoint directory")
		return
	}
	for {
		select {
		case <-stopCh:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Name != path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				logTamper(path, event.Op.String())
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			mainLog.Load().Warn().Err(err).Msg("resolution endpoint watch error")
		}
	}
}
