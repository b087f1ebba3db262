package firehose

import (
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Collection NSIDs this subscriber requests from Jetstream.
const (
	collectionPost   = "app.bsky.feed.post"
	collectionLike   = "app.bsky.feed.like"
	collectionRepost = "app.bsky.feed.repost"
)

var wantedCollections = []string{collectionPost, collectionLike, collectionRepost}

// Op is the tagged variant over the record operations we act on. Events for
// other collections or operations parse to a nil Op.
type Op interface {
	isOp()
}

// CreatePost is a new post record. A post with ReplyParent set is a reply.
type CreatePost struct {
	URI         string
	CID         string
	Author      string
	Text        string
	CreatedAt   time.Time
	ReplyRoot   string
	ReplyParent string
	HasImage    bool
	HasVideo    bool
	HasExternal bool
}

// DeletePost removes a post record.
type DeletePost struct {
	URI string
}

// CreateLike is a like of Subject by Actor.
type CreateLike struct {
	URI     string
	Actor   string
	Subject string
}

// CreateRepost is a repost of Subject by Actor.
type CreateRepost struct {
	URI     string
	Actor   string
	Subject string
}

func (CreatePost) isOp()   {}
func (DeletePost) isOp()   {}
func (CreateLike) isOp()   {}
func (CreateRepost) isOp() {}

// Event is one parsed Jetstream event.
type Event struct {
	TimeUS int64
	Op     Op
}

type rawEvent struct {
	DID    string          `json:"did"`
	TimeUS int64           `json:"time_us"`
	Kind   string          `json:"kind"`
	Commit json.RawMessage `json:"commit,omitempty"`
}

type rawCommit struct {
	Operation  string          `json:"operation"`
	Collection string          `json:"collection"`
	RKey       string          `json:"rkey"`
	Record     json.RawMessage `json:"record,omitempty"`
	CID        string          `json:"cid"`
}

type strongRef struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

type replyRef struct {
	Root   strongRef `json:"root"`
	Parent strongRef `json:"parent"`
}

type embedRef struct {
	Type  string    `json:"$type"`
	Media *embedRef `json:"media,omitempty"`
}

type postRecord struct {
	Type      string    `json:"$type"`
	Text      string    `json:"text"`
	CreatedAt string    `json:"createdAt"`
	Reply     *replyRef `json:"reply,omitempty"`
	Embed     *embedRef `json:"embed,omitempty"`
}

type subjectRecord struct {
	Subject strongRef `json:"subject"`
}

// parseEvent decodes a Jetstream message into a tagged Event. Events we do
// not care about return an Event with a nil Op so the cursor still advances.
func parseEvent(data []byte) (*Event, error) {
	var raw rawEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}

	event := &Event{TimeUS: raw.TimeUS}
	if raw.Kind != "commit" || len(raw.Commit) == 0 {
		return event, nil
	}

	var commit rawCommit
	if err := json.Unmarshal(raw.Commit, &commit); err != nil {
		return nil, fmt.Errorf("unmarshal commit: %w", err)
	}

	uri := fmt.Sprintf("at://%s/%s/%s", raw.DID, commit.Collection, commit.RKey)

	switch commit.Collection {
	case collectionPost:
		switch commit.Operation {
		case "create":
			if len(commit.Record) == 0 {
				return event, nil
			}
			var record postRecord
			if err := json.Unmarshal(commit.Record, &record); err != nil {
				return nil, fmt.Errorf("unmarshal post record: %w", err)
			}
			op := CreatePost{
				URI:    uri,
				CID:    commit.CID,
				Author: raw.DID,
				Text:   sanitizeText(record.Text),
			}
			if t, err := time.Parse(time.RFC3339, record.CreatedAt); err == nil {
				op.CreatedAt = t.UTC()
			}
			if record.Reply != nil {
				op.ReplyRoot = record.Reply.Root.URI
				op.ReplyParent = record.Reply.Parent.URI
			}
			if record.Embed != nil {
				op.HasImage, op.HasVideo, op.HasExternal = classifyEmbed(record.Embed)
			}
			event.Op = op
		case "delete":
			event.Op = DeletePost{URI: uri}
		}

	case collectionLike:
		if commit.Operation != "create" || len(commit.Record) == 0 {
			return event, nil
		}
		var record subjectRecord
		if err := json.Unmarshal(commit.Record, &record); err != nil {
			return nil, fmt.Errorf("unmarshal like record: %w", err)
		}
		if record.Subject.URI != "" {
			event.Op = CreateLike{URI: uri, Actor: raw.DID, Subject: record.Subject.URI}
		}

	case collectionRepost:
		if commit.Operation != "create" || len(commit.Record) == 0 {
			return event, nil
		}
		var record subjectRecord
		if err := json.Unmarshal(commit.Record, &record); err != nil {
			return nil, fmt.Errorf("unmarshal repost record: %w", err)
		}
		if record.Subject.URI != "" {
			event.Op = CreateRepost{URI: uri, Actor: raw.DID, Subject: record.Subject.URI}
		}
	}

	return event, nil
}

// sanitizeText strips embedded NUL bytes, which sqlite text columns reject.
func sanitizeText(s string) string {
	if !strings.ContainsRune(s, 0) {
		return s
	}
	return strings.ReplaceAll(s, "\x00", "")
}

func classifyEmbed(e *embedRef) (image, video, external bool) {
	switch {
	case strings.HasPrefix(e.Type, "app.bsky.embed.images"):
		image = true
	case strings.HasPrefix(e.Type, "app.bsky.embed.video"):
		video = true
	case strings.HasPrefix(e.Type, "app.bsky.embed.external"):
		external = true
	case strings.HasPrefix(e.Type, "app.bsky.embed.recordWithMedia") && e.Media != nil:
		return classifyEmbed(e.Media)
	}
	return image, video, external
}
