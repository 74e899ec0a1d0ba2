// Package zkdetect implements raft.FailureDetector with ZooKeeper sessions.
//
// Every server keeps an ephemeral znode under <root>/members named by its
// server ID. A server is alive while its znode exists, that is while its
// ZooKeeper session is up.
package zkdetect

import (
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/KilimcininKorOglu/raftkit/internal/logging"
	"github.com/KilimcininKorOglu/raftkit/internal/raft"
	"github.com/pkg/errors"
	"github.com/samuel/go-zookeeper/zk"
)

const membersDir = "members"

// Config configures a Detector.
type Config struct {
	Servers        []string
	Root           string
	SessionTimeout time.Duration
	Logger         logging.Logger
	// OnChange is called with the live servers after every membership change.
	OnChange func(alive []raft.ServerID)
}

// Detector tracks live servers through ephemeral znodes.
type Detector struct {
	conn     *zk.Conn
	self     raft.ServerID
	dir      string
	logger   logging.Logger
	onChange func([]raft.ServerID)

	mu    sync.RWMutex
	alive map[raft.ServerID]struct{}

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// zkLogger routes client library messages to the logger.
type zkLogger struct {
	logger logging.Logger
}

func (l zkLogger) Printf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...), "component", "zookeeper")
}

// New connects to ZooKeeper, registers self and starts watching members.
func New(cfg Config, self raft.ServerID) (*Detector, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	conn, _, err := zk.Connect(cfg.Servers, cfg.SessionTimeout, zk.WithLogger(zkLogger{logger}))
	if err != nil {
		return nil, errors.Wrapf(err, "connect to zookeeper %v", cfg.Servers)
	}

	d := &Detector{
		conn:     conn,
		self:     self,
		dir:      path.Join(cfg.Root, membersDir),
		logger:   logger.WithFields("server", self.String()),
		onChange: cfg.OnChange,
		alive:    make(map[raft.ServerID]struct{}),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if err := d.ensurePath(d.dir); err != nil {
		conn.Close()
		return nil, err
	}
	if err := d.register(); err != nil {
		conn.Close()
		return nil, err
	}
	go d.watch()
	return d, nil
}

// ensurePath creates every missing znode of p.
func (d *Detector) ensurePath(p string) error {
	cur := ""
	for _, part := range strings.Split(strings.Trim(p, "/"), "/") {
		cur += "/" + part
		_, err := d.conn.Create(cur, []byte{}, 0, zk.WorldACL(zk.PermAll))
		if err != nil && !errors.Is(err, zk.ErrNodeExists) {
			return errors.Wrapf(err, "create %s", cur)
		}
	}
	return nil
}

func (d *Detector) register() error {
	p := path.Join(d.dir, d.self.String())
	_, err := d.conn.Create(p, []byte{}, zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if err != nil && !errors.Is(err, zk.ErrNodeExists) {
		return errors.Wrapf(err, "register %s", p)
	}
	return nil
}

func (d *Detector) watch() {
	defer close(d.done)
	backoff := 100 * time.Millisecond
	for {
		children, _, ch, err := d.conn.ChildrenW(d.dir)
		if err != nil {
			d.logger.Warn("watching members failed", "path", d.dir, "error", err, "backoff", backoff)
			select {
			case <-d.stop:
				return
			case <-time.After(backoff):
			}
			if backoff < 5*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = 100 * time.Millisecond

		if d.update(children) {
			// Our znode went away with an expired session.
			if err := d.register(); err != nil {
				d.logger.Warn("re-registering failed", "error", err)
			}
		}

		select {
		case <-d.stop:
			return
		case ev := <-ch:
			d.logger.Debug("members changed", "event", ev.Type.String())
		}
	}
}

// update replaces the live set with the given znode names. It reports
// whether self is missing.
func (d *Detector) update(children []string) bool {
	alive := make(map[raft.ServerID]struct{}, len(children))
	list := make([]raft.ServerID, 0, len(children))
	for _, name := range children {
		id, err := raft.ParseServerID(name)
		if err != nil {
			continue
		}
		alive[id] = struct{}{}
		list = append(list, id)
	}

	d.mu.Lock()
	d.alive = alive
	d.mu.Unlock()

	if d.onChange != nil {
		d.onChange(list)
	}
	_, ok := alive[d.self]
	return !ok
}

// IsAlive implements raft.FailureDetector.
func (d *Detector) IsAlive(id raft.ServerID) bool {
	if id == d.self {
		return true
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.alive[id]
	return ok
}

// Alive returns the servers currently registered.
func (d *Detector) Alive() []raft.ServerID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]raft.ServerID, 0, len(d.alive))
	for id := range d.alive {
		out = append(out, id)
	}
	return out
}

// Close removes the registration and disconnects.
func (d *Detector) Close() {
	d.once.Do(func() {
		close(d.stop)
		d.conn.Close()
		<-d.done
	})
}
