package activitypub

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/pangolin-social/pangolin/domain"
)

// ActorURI builds the canonical URI of a local actor.
func ActorURI(domainName, username string) string {
	return fmt.Sprintf("https://%s/users/%s", domainName, username)
}

// KeyId names the signing key of a local actor. The fragment points into
// the actor document's publicKey field.
func KeyId(domainName, username string) string {
	return ActorURI(domainName, username) + "#main-key"
}

// NewActivityID mints a fresh identifier for a locally-created activity.
func NewActivityID(domainName string) string {
	return fmt.Sprintf("https://%s/activities/%s", domainName, uuid.New().String())
}

// PublishNote creates a Create activity for a new note by a local account,
// records it in the post store and the account's outbox, and fans it out to
// every follower. Follower delivery is best-effort: a failed delivery is
// logged and the rest proceed.
func (d *Dispatcher) PublishNote(account *domain.Account, content string) (*domain.Activity, error) {
	actorURI := ActorURI(d.domainName, account.Username)
	noteURI := fmt.Sprintf("https://%s/notes/%s", d.domainName, uuid.New().String())
	followersURI := actorURI + "/followers"
	published := time.Now().UTC().Format(time.RFC3339)

	note := domain.Note{
		ID:           noteURI,
		Type:         "Note",
		AttributedTo: actorURI,
		Content:      content,
		Published:    published,
		To:           []string{domain.PublicAudience},
		Cc:           []string{followersURI},
	}

	noteJSON, err := json.Marshal(note)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal note: %w", err)
	}

	create := &domain.Activity{
		Context:   domain.ActivityStreamsContext,
		ID:        NewActivityID(d.domainName),
		Type:      "Create",
		Actor:     actorURI,
		Object:    noteJSON,
		Published: published,
		To:        []string{domain.PublicAudience},
		Cc:        []string{followersURI},
	}

	raw, err := json.Marshal(create)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal activity: %w", err)
	}

	if _, err := d.store.CreatePost(account.Id, noteURI, content); err != nil {
		return nil, fmt.Errorf("failed to store post: %w", err)
	}

	if err := d.store.AppendOutbox(account.Id, create.Type, create.ID, raw); err != nil {
		return nil, fmt.Errorf("failed to store outbox activity: %w", err)
	}

	followers, err := d.store.ReadFollowers(account.Id)
	if err != nil {
		return nil, fmt.Errorf("failed to read followers: %w", err)
	}

	var results []<-chan error
	for _, follower := range followers {
		record, err := d.cache.Fetch(follower)
		if err != nil {
			log.Warn("Skipping unreachable follower", "follower", follower, "err", err)
			continue
		}
		results = append(results, d.queue.Enqueue(json.RawMessage(raw), record.Inbox, account))
	}

	d.awaitFanout("create", results)

	log.Info("Published note", "account", account.Username, "note", noteURI, "followers", len(followers))
	return create, nil
}
