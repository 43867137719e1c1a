package remotecache

import (
	"context"
	"sync/atomic"

	"github.com/calcgrid/go-libviewcache/identifier"
	"github.com/calcgrid/go-libviewcache/message"
	"github.com/calcgrid/go-libviewcache/viewcache"
)

// Source is a cache source whose caches live on a remote server.
type Source struct {
	client   *Client
	released atomic.Pointer[func(view string, timestamp int64)]
}

// NewSource creates a Source that uses client. The Source installs itself as
// the client's asynchronous message handler, to hear of caches released by
// other clients of the server.
func NewSource(client *Client) *Source {
	s := &Source{
		client: client,
	}
	client.SetAsyncHandler(s.handleAsync)
	return s
}

// GetCache returns the remote Cache for the key. No request is made until the
// Cache is used.
func (s *Source) GetCache(view, calcConfig string, timestamp int64) (*Cache, error) {
	key := viewcache.Key{View: view, CalcConfig: calcConfig, Timestamp: timestamp}
	if err := key.Validate(); err != nil {
		return nil, err
	}
	return &Cache{
		client: s.client,
		key:    key,
	}, nil
}

// ReleaseCaches releases, on the server, every cache of the view at the
// timestamp, and returns the number released.
func (s *Source) ReleaseCaches(ctx context.Context, view string, timestamp int64) (int, error) {
	body, err := s.client.SendPut(ctx, &message.ReleaseCachesRequest{
		View:      view,
		Timestamp: timestamp,
	}, message.KindReleaseCachesAck)
	if err != nil {
		return 0, err
	}
	return int(body.(*message.ReleaseCachesAck).Released), nil
}

// OnCachesReleased sets a function to call when the server reports that the
// caches of a view at a timestamp were released. It is called on a single
// goroutine, in the order reports arrive.
func (s *Source) OnCachesReleased(fn func(view string, timestamp int64)) {
	if fn == nil {
		s.released.Store(nil)
		return
	}
	s.released.Store(&fn)
}

func (s *Source) handleAsync(env message.Envelope) {
	released, ok := env.Body.(*message.CachesReleased)
	if !ok {
		log.Warnw("Ignored unsolicited message", "kind", env.Kind(), "correlationID", env.CorrelationID)
		return
	}
	log.Debugw("Caches released", "view", released.View, "timestamp", released.Timestamp)
	if fn := s.released.Load(); fn != nil {
		(*fn)(released.View, released.Timestamp)
	}
}

// Cache is a computation cache held by a remote server. Reads are sent over
// the get channel and writes over the put channel.
type Cache struct {
	client *Client
	key    viewcache.Key
}

func (c *Cache) Key() viewcache.Key {
	return c.key
}

// GetValue returns the value stored under id, and whether there was one.
func (c *Cache) GetValue(ctx context.Context, id identifier.Identifier) ([]byte, bool, error) {
	values, err := c.GetValues(ctx, []identifier.Identifier{id})
	if err != nil {
		return nil, false, err
	}
	value, ok := values[id]
	return value, ok, nil
}

// GetValues returns the values stored for ids. Identifiers without a value
// are omitted from the result, and so is anything the server returns that
// was not asked for.
func (c *Cache) GetValues(ctx context.Context, ids []identifier.Identifier) (map[identifier.Identifier][]byte, error) {
	if len(ids) == 0 {
		return map[identifier.Identifier][]byte{}, nil
	}
	body, err := c.client.SendGet(ctx, &message.GetValueRequest{
		Key:         c.key,
		Identifiers: ids,
	}, message.KindGetValueResponse)
	if err != nil {
		return nil, err
	}
	found := body.(*message.GetValueResponse).Values
	values := make(map[identifier.Identifier][]byte, len(found))
	for _, id := range ids {
		if value, ok := found[id]; ok {
			values[id] = value
		}
	}
	if len(found) > len(values) {
		log.Warnw("Ignored values not requested", "key", c.key, "count", len(found)-len(values))
	}
	return values, nil
}

// PutValue stores value under id, replacing any previous value.
func (c *Cache) PutValue(ctx context.Context, id identifier.Identifier, value []byte) error {
	return c.PutValues(ctx, map[identifier.Identifier][]byte{id: value})
}

// PutValues stores all values. The server applies them together.
func (c *Cache) PutValues(ctx context.Context, values map[identifier.Identifier][]byte) error {
	if len(values) == 0 {
		return nil
	}
	_, err := c.client.SendPut(ctx, &message.PutValueRequest{
		Key:    c.key,
		Values: values,
	}, message.KindPutValueAck)
	return err
}
