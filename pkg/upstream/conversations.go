package upstream

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/lkarlslund/chatrelay/pkg/credentials"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"
)

var ErrCharacterRequired = errors.New("character is required")

// ConversationHandle identifies the conversation bound to a character.
type ConversationHandle struct {
	ID        string `json:"id"`
	Character string `json:"character"`
	Title     string `json:"title,omitempty"`
}

// Message is a stored chat message as returned by the upstream.
type Message struct {
	ID      string `json:"id"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

// StatusError is a non-2xx answer to a bootstrap call.
type StatusError struct {
	Status int
	Detail string
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("upstream status %d", e.Status)
	}
	return fmt.Sprintf("upstream status %d: %s", e.Status, e.Detail)
}

// Conversations finds or creates the conversation for a character.
type Conversations struct {
	coalesce bool
	group    singleflight.Group
}

// NewConversations returns a bootstrapper. With coalesce set, concurrent
// calls for the same credential and character inside this process share one
// upstream round trip.
func NewConversations(coalesce bool) *Conversations {
	return &Conversations{coalesce: coalesce}
}

type bootstrapResult struct {
	handle  ConversationHandle
	rotated credentials.Pair
	ok      bool
}

func (c *Conversations) GetOrCreate(ctx context.Context, sess *Session, character string) (ConversationHandle, error) {
	character = strings.TrimSpace(character)
	if character == "" {
		return ConversationHandle{}, ErrCharacterRequired
	}
	access := sess.Credentials().Access
	if !c.coalesce || access == "" {
		return c.getOrCreate(ctx, sess, character)
	}
	key := sessionKey(access) + "\x00" + character
	// The flight outlives whichever caller started it; each upstream call in
	// it is still bounded by the coordinator's request timeout.
	flightCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		h, err := c.getOrCreate(flightCtx, sess, character)
		res := bootstrapResult{handle: h}
		res.rotated, res.ok = sess.Rotated()
		return res, err
	})
	var r singleflight.Result
	select {
	case <-ctx.Done():
		return ConversationHandle{}, ctx.Err()
	case r = <-ch:
	}
	res, _ := r.Val.(bootstrapResult)
	if r.Shared && res.ok {
		sess.absorb(&Outcome{Rotated: &res.rotated})
	}
	if r.Err != nil {
		return ConversationHandle{}, r.Err
	}
	return res.handle, nil
}

func (c *Conversations) getOrCreate(ctx context.Context, sess *Session, character string) (ConversationHandle, error) {
	resp, err := sess.Do(ctx, &Request{
		Method:   http.MethodGet,
		Path:     "conversations",
		RawQuery: url.Values{"character": {character}}.Encode(),
	})
	if err != nil {
		return ConversationHandle{}, fmt.Errorf("list conversations: %w", err)
	}
	b, err := readResponse(resp)
	if err != nil {
		return ConversationHandle{}, fmt.Errorf("list conversations: %w", err)
	}
	if h, ok := findConversation(b, character); ok {
		return h, nil
	}

	payload, err := json.Marshal(map[string]string{"character": character})
	if err != nil {
		return ConversationHandle{}, err
	}
	resp, err = sess.Do(ctx, &Request{
		Method:      http.MethodPost,
		Path:        "conversations",
		ContentType: "application/json",
		Body:        payload,
	})
	if err != nil {
		return ConversationHandle{}, fmt.Errorf("create conversation: %w", err)
	}
	b, err = readResponse(resp)
	if err != nil {
		return ConversationHandle{}, fmt.Errorf("create conversation: %w", err)
	}
	h := parseHandle(gjson.ParseBytes(b))
	if h.ID == "" {
		return ConversationHandle{}, errors.New("create conversation: response carried no id")
	}
	if h.Character == "" {
		h.Character = character
	}
	return h, nil
}

// CreateMessage stores a user message in conversation id.
func (c *Conversations) CreateMessage(ctx context.Context, sess *Session, id, content string) (Message, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Message{}, errors.New("conversation id is required")
	}
	payload, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return Message{}, err
	}
	resp, err := sess.Do(ctx, &Request{
		Method:      http.MethodPost,
		Path:        "conversations/" + url.PathEscape(id) + "/messages/create",
		ContentType: "application/json",
		Body:        payload,
	})
	if err != nil {
		return Message{}, fmt.Errorf("create message: %w", err)
	}
	b, err := readResponse(resp)
	if err != nil {
		return Message{}, fmt.Errorf("create message: %w", err)
	}
	res := gjson.ParseBytes(b)
	return Message{
		ID:      res.Get("id").String(),
		Role:    res.Get("role").String(),
		Content: res.Get("content").String(),
	}, nil
}

// findConversation accepts a paginated {"results": [...]} or a bare array
// and returns the first item bound to character, in upstream order.
func findConversation(b []byte, character string) (ConversationHandle, bool) {
	doc := gjson.ParseBytes(b)
	list := doc.Get("results")
	if !list.Exists() && doc.IsArray() {
		list = doc
	}
	var found ConversationHandle
	var ok bool
	list.ForEach(func(_, item gjson.Result) bool {
		if strings.TrimSpace(item.Get("character").String()) != character {
			return true
		}
		h := parseHandle(item)
		if h.ID == "" {
			return true
		}
		found, ok = h, true
		return false
	})
	return found, ok
}

func parseHandle(item gjson.Result) ConversationHandle {
	return ConversationHandle{
		ID:        strings.TrimSpace(item.Get("id").String()),
		Character: strings.TrimSpace(item.Get("character").String()),
		Title:     item.Get("title").String(),
	}
}

func readResponse(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError(resp.StatusCode, b)
	}
	return b, nil
}

func statusError(status int, body []byte) *StatusError {
	detail := strings.TrimSpace(gjson.GetBytes(body, "detail").String())
	if detail == "" && !gjson.ValidBytes(body) {
		detail = strings.TrimSpace(string(body))
		if len(detail) > 256 {
			detail = detail[:256]
		}
	}
	return &StatusError{Status: status, Detail: detail}
}

func sessionKey(access string) string {
	sum := sha256.Sum256([]byte(access))
	return hex.EncodeToString(sum[:])
}
