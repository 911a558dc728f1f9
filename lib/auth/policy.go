package auth

import (
	_ "embed"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/ValentinKolb/rfcunit/lib/rfc"
	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	fileadapter "github.com/casbin/casbin/v2/persist/file-adapter"
	"github.com/fsnotify/fsnotify"
	"github.com/lni/dragonboat/v4/logger"
)

//go:embed casbin_model.conf
var casbinModel string

var Logger = logger.GetLogger("auth")

// Policy authorizes function calls per user and client with a casbin enforcer.
type Policy struct {
	mu      sync.RWMutex
	e       *casbin.Enforcer
	path    string
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// LoadPolicy reads the policy file at path, creating an empty one if it is missing.
// With watch set the file is reloaded whenever it changes on disk.
func LoadPolicy(path string, watch bool) (*Policy, error) {
	p := &Policy{path: filepath.Clean(path), done: make(chan struct{})}
	if err := p.read(); err != nil {
		return nil, err
	}
	if !watch {
		return p, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// editors replace files, watching the directory keeps working across renames
	if err := watcher.Add(filepath.Dir(p.path)); err != nil {
		watcher.Close()
		return nil, err
	}
	p.watcher = watcher
	go p.watch()
	return p, nil
}

func (p *Policy) read() error {
	m, err := model.NewModelFromString(casbinModel)
	if err != nil {
		return err
	}
	if _, err := os.Stat(p.path); errors.Is(err, os.ErrNotExist) {
		f, err := os.OpenFile(p.path, os.O_CREATE, 0600)
		if err != nil {
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
	}
	e, err := casbin.NewEnforcer(m, fileadapter.NewAdapter(p.path))
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.e = e
	p.mu.Unlock()
	return nil
}

func (p *Policy) watch() {
	for {
		select {
		case <-p.done:
			return
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != p.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			p.mu.Lock()
			err := p.e.LoadPolicy()
			p.mu.Unlock()
			if err != nil {
				Logger.Errorf("reloading policy %s failed, keeping the previous one: %v", p.path, err)
			} else {
				Logger.Infof("policy %s reloaded", p.path)
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			Logger.Warningf("watching policy %s: %v", p.path, err)
		}
	}
}

// Allow grants user the given function pattern on client. client 0 means every client.
func (p *Policy) Allow(user string, client uint64, function string) error {
	obj := "*"
	if client != 0 {
		obj = strconv.FormatUint(client, 10)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.e.AddPolicy(user, obj, function)
	return err
}

// AssignRole makes user a member of role.
func (p *Policy) AssignRole(user, role string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.e.AddGroupingPolicy(user, role)
	return err
}

// Flush writes the policy back to its file.
func (p *Policy) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.e.SavePolicy()
}

// Authorize returns an AuthorizationFailure unless user may call function on client.
func (p *Policy) Authorize(user string, client uint64, function string) error {
	p.mu.RLock()
	ok, err := p.e.Enforce(user, strconv.FormatUint(client, 10), function)
	p.mu.RUnlock()
	if err != nil {
		return rfc.Errorf(rfc.KindRuntime, "policy evaluation failed: %v", err)
	}
	if !ok {
		return rfc.Errorf(rfc.KindAuthorization, "user %s is not authorized to call %s in client %d", user, function, client)
	}
	return nil
}

// Close stops watching the policy file.
func (p *Policy) Close() error {
	if p.watcher == nil {
		return nil
	}
	close(p.done)
	return p.watcher.Close()
}
