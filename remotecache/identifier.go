package remotecache

import (
	"context"
	"fmt"

	"github.com/calcgrid/go-libviewcache/apierror"
	"github.com/calcgrid/go-libviewcache/identifier"
	"github.com/calcgrid/go-libviewcache/message"
	lru "github.com/hashicorp/golang-lru/v2"
)

// IdentifierSource looks up identifiers on a remote server. Identifiers never
// change once assigned, so those already looked up are kept in a bounded
// local cache.
type IdentifierSource struct {
	client *Client
	cache  *lru.Cache[identifier.Specification, identifier.Identifier]
}

// IdentifierSource must implement identifier.Source.
var _ identifier.Source = (*IdentifierSource)(nil)

func NewIdentifierSource(client *Client) (*IdentifierSource, error) {
	cache, err := lru.New[identifier.Specification, identifier.Identifier](client.identifierCacheSize)
	if err != nil {
		return nil, err
	}
	return &IdentifierSource{
		client: client,
		cache:  cache,
	}, nil
}

func (s *IdentifierSource) Identifier(ctx context.Context, spec identifier.Specification) (identifier.Identifier, error) {
	ids, err := s.Identifiers(ctx, []identifier.Specification{spec})
	if err != nil {
		return identifier.Invalid, err
	}
	return ids[spec], nil
}

func (s *IdentifierSource) Identifiers(ctx context.Context, specs []identifier.Specification) (map[identifier.Specification]identifier.Identifier, error) {
	ids := make(map[identifier.Specification]identifier.Identifier, len(specs))
	var missing []identifier.Specification
	for _, spec := range specs {
		if !spec.IsValid() {
			return nil, identifier.ErrInvalidSpecification
		}
		if _, ok := ids[spec]; ok {
			continue
		}
		if id, ok := s.cache.Get(spec); ok {
			ids[spec] = id
			continue
		}
		ids[spec] = identifier.Invalid
		missing = append(missing, spec)
	}
	if len(missing) == 0 {
		return ids, nil
	}

	body, err := s.client.SendGet(ctx, &message.IdentifierLookupRequest{
		Specifications: missing,
	}, message.KindIdentifierLookupResponse)
	if err != nil {
		return nil, err
	}
	found := body.(*message.IdentifierLookupResponse).Identifiers
	if len(found) != len(missing) {
		return nil, apierror.New(fmt.Errorf("lookup of %d specifications returned %d identifiers", len(missing), len(found)), apierror.ResponseMismatch)
	}
	for i, spec := range missing {
		id := found[i]
		if id == identifier.Invalid {
			return nil, apierror.New(fmt.Errorf("no identifier for %s", spec), apierror.Internal)
		}
		ids[spec] = id
		s.cache.Add(spec, id)
	}
	log.Debugw("Looked up identifiers", "count", len(missing))
	return ids, nil
}

// CacheLen returns the number of identifiers held locally.
func (s *IdentifierSource) CacheLen() int {
	return s.cache.Len()
}
