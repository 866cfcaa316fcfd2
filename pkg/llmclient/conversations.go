package llmclient

import (
	"errors"
	"strings"
	"time"

	"github.com/lkarlslund/chatrelay/pkg/cache"
	"github.com/lkarlslund/chatrelay/pkg/upstream"
)

const DefaultConversationTTL = 7 * 24 * time.Hour

// ConversationCache maps (upstream, character) to a conversation handle on
// disk. A nil cache stores nothing.
type ConversationCache struct {
	path    string
	ttl     time.Duration
	now     func() time.Time
	entries *cache.TTLMap[string, upstream.ConversationHandle]
}

// OpenConversationCache loads the cache file at path, if there is one.
func OpenConversationCache(path string, ttl time.Duration) (*ConversationCache, error) {
	c := &ConversationCache{
		path:    path,
		ttl:     ttl,
		now:     time.Now,
		entries: cache.NewTTLMap[string, upstream.ConversationHandle](),
	}
	var stored map[string]cache.Entry[upstream.ConversationHandle]
	err := cache.LoadJSON(path, &stored)
	switch {
	case errors.Is(err, cache.ErrNotFound):
	case err != nil:
		return nil, err
	default:
		c.entries.Restore(stored)
		c.entries.Prune(c.now())
	}
	return c, nil
}

func conversationKey(upstreamURL, character string) string {
	return strings.TrimRight(upstreamURL, "/") + "#" + strings.TrimSpace(character)
}

func (c *ConversationCache) Lookup(upstreamURL, character string) (upstream.ConversationHandle, bool) {
	if c == nil {
		return upstream.ConversationHandle{}, false
	}
	return c.entries.GetFresh(conversationKey(upstreamURL, character), c.now())
}

func (c *ConversationCache) Store(upstreamURL, character string, h upstream.ConversationHandle) error {
	if c == nil {
		return nil
	}
	c.entries.SetWithTTL(conversationKey(upstreamURL, character), h, c.now(), c.ttl)
	return c.save()
}

func (c *ConversationCache) Forget(upstreamURL, character string) error {
	if c == nil {
		return nil
	}
	c.entries.Delete(conversationKey(upstreamURL, character))
	return c.save()
}

func (c *ConversationCache) save() error {
	c.entries.Prune(c.now())
	return cache.SaveJSON(c.path, c.entries.Entries())
}
