package store

import (
	"context"
	"fmt"
)

// migrations are forward-only and numbered by slice position (1-based).
// Never edit an entry that has shipped; append a new one.
var migrations = []string{
	// 1: core post index
	`CREATE TABLE IF NOT EXISTS post (
		uri TEXT PRIMARY KEY,
		cid TEXT NOT NULL,
		indexed_at TIMESTAMP NOT NULL,
		author TEXT NOT NULL,
		like_count INTEGER NOT NULL DEFAULT 0,
		reply_count INTEGER NOT NULL DEFAULT 0,
		repost_count INTEGER NOT NULL DEFAULT 0,
		reply_root TEXT,
		reply_parent TEXT,
		text TEXT,
		has_image INTEGER NOT NULL DEFAULT 0,
		has_video INTEGER NOT NULL DEFAULT 0,
		has_external INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_post_author ON post(author);
	CREATE INDEX IF NOT EXISTS idx_post_indexed_at ON post(indexed_at);
	CREATE INDEX IF NOT EXISTS idx_post_like_count ON post(like_count);
	CREATE INDEX IF NOT EXISTS idx_post_reply_root ON post(reply_root);`,

	// 2: firehose cursor state
	`CREATE TABLE IF NOT EXISTS sub_state (
		service TEXT PRIMARY KEY,
		cursor INTEGER NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);`,

	// 3: social graph
	`CREATE TABLE IF NOT EXISTS graph_follow (
		follower TEXT NOT NULL,
		followee TEXT NOT NULL,
		indexed_at TIMESTAMP NOT NULL,
		PRIMARY KEY (follower, followee)
	);
	CREATE INDEX IF NOT EXISTS idx_graph_follow_follower ON graph_follow(follower);
	CREATE INDEX IF NOT EXISTS idx_graph_follow_followee ON graph_follow(followee);`,

	// 4: interaction edges
	`CREATE TABLE IF NOT EXISTS graph_interaction (
		actor TEXT NOT NULL,
		target TEXT NOT NULL,
		type TEXT NOT NULL,
		weight INTEGER NOT NULL DEFAULT 1,
		indexed_at TIMESTAMP NOT NULL,
		interaction_uri TEXT,
		UNIQUE (actor, target, type)
	);
	CREATE INDEX IF NOT EXISTS idx_graph_interaction_target ON graph_interaction(target);
	CREATE INDEX IF NOT EXISTS idx_graph_interaction_actor ON graph_interaction(actor);`,

	// 5: serving logs
	`CREATE TABLE IF NOT EXISTS user_served_post (
		user_did TEXT NOT NULL,
		uri TEXT NOT NULL,
		served_at TIMESTAMP NOT NULL,
		PRIMARY KEY (user_did, uri)
	);
	CREATE TABLE IF NOT EXISTS user_seen_post (
		user_did TEXT NOT NULL,
		uri TEXT NOT NULL,
		seen_count INTEGER NOT NULL DEFAULT 1,
		seen_at TIMESTAMP NOT NULL,
		PRIMARY KEY (user_did, uri)
	);`,

	// 6: keyword profiles
	`CREATE TABLE IF NOT EXISTS user_keyword (
		user_did TEXT NOT NULL,
		keyword TEXT NOT NULL,
		score REAL NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (user_did, keyword)
	);`,

	// 7: taste similarity + reputation
	`CREATE TABLE IF NOT EXISTS taste_similarity (
		user_did TEXT NOT NULL,
		similar_user_did TEXT NOT NULL,
		agreement_count INTEGER NOT NULL DEFAULT 0,
		total_co_liked_posts INTEGER NOT NULL DEFAULT 0,
		last_agreement_at TIMESTAMP,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (user_did, similar_user_did)
	);
	CREATE TABLE IF NOT EXISTS taste_reputation (
		user_did TEXT NOT NULL,
		similar_user_did TEXT NOT NULL,
		reputation_score REAL NOT NULL DEFAULT 1.0,
		agreement_history REAL NOT NULL DEFAULT 0,
		last_seen_at TIMESTAMP,
		decay_rate REAL NOT NULL DEFAULT 0.95,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (user_did, similar_user_did)
	);
	CREATE INDEX IF NOT EXISTS idx_taste_reputation_score ON taste_reputation(user_did, reputation_score);`,

	// 8: author fatigue
	`CREATE TABLE IF NOT EXISTS user_author_fatigue (
		user_did TEXT NOT NULL,
		author_did TEXT NOT NULL,
		serve_count INTEGER NOT NULL DEFAULT 0,
		last_served_at TIMESTAMP,
		fatigue_score REAL NOT NULL DEFAULT 0,
		affinity_score REAL NOT NULL DEFAULT 1.0,
		interaction_weight REAL NOT NULL DEFAULT 0,
		last_interaction_at TIMESTAMP,
		interaction_count INTEGER NOT NULL DEFAULT 0,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (user_did, author_did)
	);
	CREATE INDEX IF NOT EXISTS idx_user_author_fatigue_score ON user_author_fatigue(user_did, fatigue_score);`,

	// 9: influential L2 cache
	`CREATE TABLE IF NOT EXISTS influential_l2 (
		user_did TEXT NOT NULL,
		l2_did TEXT NOT NULL,
		influence_score REAL NOT NULL,
		l1_follower_count INTEGER NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (user_did, l2_did)
	);`,

	// 10: semantic candidate batches
	`CREATE TABLE IF NOT EXISTS user_candidate_batch (
		user_did TEXT NOT NULL,
		uri TEXT NOT NULL,
		semantic_score REAL NOT NULL,
		pipeline_score REAL NOT NULL,
		centroid_id INTEGER NOT NULL DEFAULT 0,
		batch_id TEXT NOT NULL,
		generated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (user_did, uri, batch_id)
	);
	CREATE INDEX IF NOT EXISTS idx_user_candidate_batch_generated ON user_candidate_batch(user_did, generated_at);
	CREATE INDEX IF NOT EXISTS idx_user_candidate_batch_score ON user_candidate_batch(user_did, semantic_score);`,

	// 11: misc key/value state (graph refresh stamps, job cooldowns)
	`CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);`,
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMP NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i := current; i < len(migrations); i++ {
		version := i + 1
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES (?, CURRENT_TIMESTAMP)`, version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", version, err)
		}
		s.logger.Info("applied migration", "version", version)
	}
	return nil
}
