package viewcache

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/calcgrid/go-libviewcache/apierror"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("viewcache")

// Key identifies one Cache: the view, its calculation configuration, and the
// timestamp of the computation cycle.
type Key struct {
	View       string
	CalcConfig string
	Timestamp  int64
}

func (k Key) Validate() error {
	if k.View == "" {
		return apierror.New(errors.New("view name is required"), apierror.InvalidArgument)
	}
	if k.CalcConfig == "" {
		return apierror.New(errors.New("calculation configuration name is required"), apierror.InvalidArgument)
	}
	return nil
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%d", k.View, k.CalcConfig, k.Timestamp)
}

// cycleKey locates a Cache within the caches of one view.
type cycleKey struct {
	calcConfig string
	timestamp  int64
}

// Source creates and tracks the Caches of every view. The Cache for a Key is
// created on first use and remains registered until released.
type Source struct {
	mutex  sync.Mutex
	caches map[string]map[cycleKey]*Cache

	releaseHook ReleaseHookFunc
}

// NewSource creates a new, empty, cache source.
func NewSource(options ...Option) (*Source, error) {
	opts, err := getOpts(options)
	if err != nil {
		return nil, err
	}
	return &Source{
		caches:      make(map[string]map[cycleKey]*Cache),
		releaseHook: opts.releaseHook,
	}, nil
}

// GetCache returns the Cache registered for the key, creating and registering
// an empty one if there is none. Repeated calls with the same key return the
// same Cache until it is released.
func (s *Source) GetCache(view, calcConfig string, timestamp int64) (*Cache, error) {
	key := Key{View: view, CalcConfig: calcConfig, Timestamp: timestamp}
	if err := key.Validate(); err != nil {
		return nil, err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.getCache(key), nil
}

// CloneCache returns a snapshot of the Cache registered for the key, creating
// the registered Cache if needed.
func (s *Source) CloneCache(view, calcConfig string, timestamp int64) (*Cache, error) {
	key := Key{View: view, CalcConfig: calcConfig, Timestamp: timestamp}
	if err := key.Validate(); err != nil {
		return nil, err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.getCache(key).Clone(), nil
}

func (s *Source) getCache(key Key) *Cache {
	viewCaches, ok := s.caches[key.View]
	if !ok {
		viewCaches = make(map[cycleKey]*Cache)
		s.caches[key.View] = viewCaches
	}
	ck := cycleKey{calcConfig: key.CalcConfig, timestamp: key.Timestamp}
	cache, ok := viewCaches[ck]
	if !ok {
		cache = NewCache()
		viewCaches[ck] = cache
		log.Debugw("Created cache", "key", key)
	}
	return cache
}

// ReleaseCaches unregisters every Cache of the view at the timestamp, for all
// calculation configurations, and returns the number released. A later
// GetCache for a released key returns a new empty Cache.
func (s *Source) ReleaseCaches(view string, timestamp int64) int {
	s.mutex.Lock()
	released := s.releaseCaches(view, timestamp)
	s.mutex.Unlock()

	if released != 0 {
		log.Debugw("Released caches", "view", view, "timestamp", timestamp, "count", released)
		if s.releaseHook != nil {
			s.releaseHook(view, timestamp, released)
		}
	}
	return released
}

func (s *Source) releaseCaches(view string, timestamp int64) int {
	viewCaches, ok := s.caches[view]
	if !ok {
		return 0
	}
	var released int
	for ck := range viewCaches {
		if ck.timestamp == timestamp {
			delete(viewCaches, ck)
			released++
		}
	}
	if len(viewCaches) == 0 {
		delete(s.caches, view)
	}
	return released
}

// Keys returns the keys of all registered caches, ordered by view,
// calculation configuration, then timestamp.
func (s *Source) Keys() []Key {
	s.mutex.Lock()
	keys := make([]Key, 0, len(s.caches))
	for view, viewCaches := range s.caches {
		for ck := range viewCaches {
			keys = append(keys, Key{View: view, CalcConfig: ck.calcConfig, Timestamp: ck.timestamp})
		}
	}
	s.mutex.Unlock()

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].View != keys[j].View {
			return keys[i].View < keys[j].View
		}
		if keys[i].CalcConfig != keys[j].CalcConfig {
			return keys[i].CalcConfig < keys[j].CalcConfig
		}
		return keys[i].Timestamp < keys[j].Timestamp
	})
	return keys
}

// Len returns the number of registered caches.
func (s *Source) Len() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	var n int
	for _, viewCaches := range s.caches {
		n += len(viewCaches)
	}
	return n
}
