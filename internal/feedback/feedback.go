package feedback

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/Mattis142/feed-generator/internal/fatigue"
	"github.com/Mattis142/feed-generator/internal/store"
	"github.com/Mattis142/feed-generator/internal/taste"
)

// feedbackLikerCap bounds how many of the post's likers get their reputation
// adjusted per explicit-feedback event.
const feedbackLikerCap = 50

// Engine propagates an explicit "more"/"less" signal across the author's
// fatigue row, the user's keyword profile, and the reputations of the post's
// likers.
type Engine struct {
	store      *store.Store
	taste      *taste.Engine
	fatigue    *fatigue.Engine
	likers     taste.LikerSource
	restricted map[string]struct{}
	logger     *slog.Logger
}

// NewEngine creates a feedback engine. restrictedKeywords are excluded from
// keyword adjustments.
func NewEngine(st *store.Store, tasteEngine *taste.Engine, fatigueEngine *fatigue.Engine,
	likers taste.LikerSource, restrictedKeywords []string, logger *slog.Logger) *Engine {
	restricted := make(map[string]struct{}, len(restrictedKeywords))
	for _, kw := range restrictedKeywords {
		restricted[strings.ToLower(kw)] = struct{}{}
	}
	return &Engine{
		store:      st,
		taste:      tasteEngine,
		fatigue:    fatigueEngine,
		likers:     likers,
		restricted: restricted,
		logger:     logger,
	}
}

// Apply processes one explicit-feedback event on postURI. more selects the
// direction, strong the strength.
func (e *Engine) Apply(ctx context.Context, userDid, postURI string, more, strong bool) error {
	post, err := e.store.GetPost(ctx, postURI)
	if err != nil {
		return fmt.Errorf("load post: %w", err)
	}
	if post == nil {
		e.logger.Warn("explicit feedback on unknown post", "uri", postURI)
		return nil
	}

	if err := e.fatigue.ApplyExplicit(ctx, userDid, post.Author, more, strong); err != nil {
		return fmt.Errorf("apply fatigue feedback: %w", err)
	}

	e.adjustKeywords(ctx, userDid, post.Text, more, strong)
	e.adjustLikerReputations(ctx, userDid, postURI, more)
	return nil
}

// adjustKeywords nudges the user's score for every word of length >= 4 in the
// post text, excluding the restricted set.
func (e *Engine) adjustKeywords(ctx context.Context, userDid, text string, more, strong bool) {
	if text == "" {
		return
	}
	delta := 0.05
	if strong {
		delta = 0.15
	}
	if !more {
		delta = -delta
	}

	existing, err := e.store.KeywordsByUser(ctx, userDid)
	if err != nil {
		e.logger.Warn("keyword load failed", "user", userDid, "error", err)
		return
	}

	seen := make(map[string]struct{})
	for _, word := range splitWords(text) {
		if len([]rune(word)) < 4 {
			continue
		}
		if _, banned := e.restricted[word]; banned {
			continue
		}
		if _, dup := seen[word]; dup {
			continue
		}
		seen[word] = struct{}{}
		if err := e.store.UpsertKeyword(ctx, userDid, word, existing[word]+delta); err != nil {
			e.logger.Warn("keyword adjust failed", "user", userDid, "keyword", word, "error", err)
		}
	}
}

// adjustLikerReputations propagates the feedback onto people who liked the
// post: "more" promotes them as taste twins, "less" demotes them.
func (e *Engine) adjustLikerReputations(ctx context.Context, userDid, postURI string, more bool) {
	likers := e.likers.GetPostLikers(ctx, postURI, feedbackLikerCap)
	action := taste.ActionExplicitLess
	if more {
		action = taste.ActionExplicitMore
	}
	for _, liker := range likers {
		if liker == userDid || liker == "" {
			continue
		}
		if err := e.taste.UpdateReputation(ctx, userDid, liker, action); err != nil {
			e.logger.Warn("liker reputation adjust failed", "user", userDid, "liker", liker, "error", err)
		}
	}
}

func splitWords(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
