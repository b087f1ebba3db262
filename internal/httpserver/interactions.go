package httpserver

import (
	"context"
	"log/slog"
	"strings"

	"github.com/Mattis142/feed-generator/internal/feedback"
	"github.com/Mattis142/feed-generator/internal/store"
)

// Interaction event NSIDs from app.bsky.feed.defs.
const (
	eventSeen        = "app.bsky.feed.defs#interactionSeen"
	eventLike        = "app.bsky.feed.defs#interactionLike"
	eventRequestMore = "app.bsky.feed.defs#requestMore"
	eventDislike     = "app.bsky.feed.defs#interactionDislike"
	eventRequestLess = "app.bsky.feed.defs#requestLess"
)

// Interaction is one client-reported feed interaction.
type Interaction struct {
	Item  string `json:"item"`
	Event string `json:"event"`
}

// SeenFatigue is the slice of the fatigue engine the seen path needs.
type SeenFatigue interface {
	OnSeen(ctx context.Context, userDid, authorDid string) error
}

// InteractionHandler routes client interaction events into the seen log and
// the explicit-feedback engine.
type InteractionHandler struct {
	store    *store.Store
	feedback *feedback.Engine
	fatigue  SeenFatigue
	logger   *slog.Logger
}

// NewInteractionHandler creates an interaction handler.
func NewInteractionHandler(st *store.Store, fb *feedback.Engine, fatigue SeenFatigue, logger *slog.Logger) *InteractionHandler {
	return &InteractionHandler{store: st, feedback: fb, fatigue: fatigue, logger: logger}
}

// Process applies a batch of interaction events for the user. Unknown event
// types (shares, clickthroughs) are logged and ignored.
func (h *InteractionHandler) Process(ctx context.Context, userDid string, interactions []Interaction) {
	for _, in := range interactions {
		if in.Item == "" {
			continue
		}
		switch in.Event {
		case eventSeen:
			if err := h.store.RecordSeen(ctx, userDid, in.Item); err != nil {
				h.logger.Warn("seen log write failed", "user", userDid, "uri", in.Item, "error", err)
				continue
			}
			if author := authorFromURI(in.Item); author != "" {
				if err := h.fatigue.OnSeen(ctx, userDid, author); err != nil {
					h.logger.Warn("seen affinity decay failed", "user", userDid, "author", author, "error", err)
				}
			}

		case eventLike:
			h.applyFeedback(ctx, userDid, in.Item, true, false)
		case eventRequestMore:
			h.applyFeedback(ctx, userDid, in.Item, true, true)
		case eventDislike:
			h.applyFeedback(ctx, userDid, in.Item, false, false)
		case eventRequestLess:
			h.applyFeedback(ctx, userDid, in.Item, false, true)

		default:
			h.logger.Debug("ignoring interaction event", "event", in.Event, "user", userDid)
		}
	}
}

func (h *InteractionHandler) applyFeedback(ctx context.Context, userDid, uri string, more, strong bool) {
	if err := h.feedback.Apply(ctx, userDid, uri, more, strong); err != nil {
		h.logger.Error("explicit feedback failed",
			"user", userDid, "uri", uri, "more", more, "strong", strong, "error", err)
	}
}

func authorFromURI(uri string) string {
	rest, ok := strings.CutPrefix(uri, "at://")
	if !ok {
		return ""
	}
	did, _, _ := strings.Cut(rest, "/")
	return did
}
