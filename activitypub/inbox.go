package activitypub

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/pangolin-social/pangolin/domain"
)

// ErrUnsupportedType marks an activity whose type has no handler. The route
// layer turns it into a client-facing rejection rather than a server fault.
var ErrUnsupportedType = errors.New("unsupported activity type")

var mentionPattern = regexp.MustCompile(`@([A-Za-z0-9_]+)`)

// ActorStore is what the dispatcher needs from the actor/post store.
type ActorStore interface {
	ReadAccByUsername(username string) (*domain.Account, error)
	AddFollower(accountId uuid.UUID, followerURI string) error
	RemoveFollower(accountId uuid.UUID, followerURI string) error
	ReadFollowers(accountId uuid.UUID) ([]string, error)
	AppendInbox(accountId uuid.UUID, activityType, activityURI string, raw []byte) error
	AppendOutbox(accountId uuid.UUID, activityType, activityURI string, raw []byte) error
	CreatePost(accountId uuid.UUID, uri, content string) (*domain.Post, error)
	ReadPostByURI(uri string) (*domain.Post, error)
	AddLike(postId uuid.UUID, actorURI string) error
	IncrementShares(postId uuid.UUID) error
}

// Dispatcher interprets verified inbound activities: it applies the state
// transition for the activity type and enqueues whatever outbound deliveries
// that transition calls for. State mutation always happens before fan-out,
// so a delivery never races the change that caused it.
type Dispatcher struct {
	store      ActorStore
	cache      *ActorCache
	queue      *DeliveryQueue
	domainName string
}

func NewDispatcher(store ActorStore, cache *ActorCache, queue *DeliveryQueue, domainName string) *Dispatcher {
	return &Dispatcher{
		store:      store,
		cache:      cache,
		queue:      queue,
		domainName: domainName,
	}
}

// VerifySignature checks the HTTP signature of an inbound request against
// the public key of the actor the activity claims to come from, resolved
// through the actor cache. It is a pure boolean gate: any parse, fetch or
// crypto failure yields false.
func (d *Dispatcher) VerifySignature(req *http.Request, body []byte, actorURI string) bool {
	if !VerifyDigest(req, body) {
		log.Warn("Digest mismatch on inbound request", "actor", actorURI)
		return false
	}

	record, err := d.cache.Fetch(actorURI)
	if err != nil {
		log.Warn("Could not resolve signing key", "actor", actorURI, "err", err)
		return false
	}

	signer, err := VerifyRequest(req, record.PublicKeyPem)
	if err != nil {
		log.Warn("Signature verification failed", "actor", actorURI, "err", err)
		return false
	}

	// The key must belong to the actor named in the activity.
	return signer == actorURI
}

// Dispatch routes one inbound activity addressed to the given local account.
// The caller must have verified the request signature first. Effects that
// occurred before an error are not rolled back.
func (d *Dispatcher) Dispatch(account *domain.Account, raw []byte) error {
	activity, err := domain.ParseActivity(raw)
	if err != nil {
		return err
	}

	log.Info("Dispatching activity", "type", activity.Type, "actor", activity.Actor, "to", account.Username)

	switch activity.Type {
	case "Follow":
		return d.handleFollow(account, activity, raw)
	case "Undo":
		return d.handleUndo(account, activity)
	case "Create":
		return d.handleCreate(account, activity, raw)
	case "Like":
		return d.handleLike(activity)
	case "Announce":
		return d.handleAnnounce(account, activity, raw)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedType, activity.Type)
	}
}

// handleFollow adds the requester to the followers set and answers with an
// Accept wrapping the original Follow activity.
func (d *Dispatcher) handleFollow(account *domain.Account, activity *domain.Activity, raw []byte) error {
	if err := d.store.AddFollower(account.Id, activity.Actor); err != nil {
		return fmt.Errorf("failed to add follower: %w", err)
	}

	accept := &domain.Activity{
		Context: domain.ActivityStreamsContext,
		ID:      NewActivityID(d.domainName),
		Type:    "Accept",
		Actor:   ActorURI(d.domainName, account.Username),
		Object:  json.RawMessage(raw),
	}

	requester, err := d.cache.Fetch(activity.Actor)
	if err != nil {
		return fmt.Errorf("failed to fetch follow requester: %w", err)
	}

	if err := <-d.queue.Enqueue(accept, requester.Inbox, account); err != nil {
		return fmt.Errorf("failed to deliver Accept: %w", err)
	}

	log.Info("Accepted follow", "follower", activity.Actor, "account", account.Username)
	return nil
}

// handleUndo removes the follow named in the undone activity. Undo of
// anything other than Follow is accepted and ignored.
func (d *Dispatcher) handleUndo(account *domain.Account, activity *domain.Activity) error {
	inner, err := activity.ObjectActivity()
	if err != nil {
		return fmt.Errorf("invalid Undo activity: %w", err)
	}

	if inner.Type != "Follow" {
		return nil
	}

	if err := d.store.RemoveFollower(account.Id, activity.Actor); err != nil {
		return fmt.Errorf("failed to remove follower: %w", err)
	}

	log.Info("Removed follower", "follower", activity.Actor, "account", account.Username)
	return nil
}

// handleCreate appends the activity to the account's inbox and forwards it
// to every locally-resolvable @mention in the note content. Unresolvable
// mentions are skipped; delivery failures degrade to log-and-continue.
func (d *Dispatcher) handleCreate(account *domain.Account, activity *domain.Activity, raw []byte) error {
	if err := d.store.AppendInbox(account.Id, activity.Type, activity.ID, raw); err != nil {
		return fmt.Errorf("failed to store activity: %w", err)
	}

	note, err := activity.ObjectNote()
	if err != nil {
		return fmt.Errorf("invalid Create activity: %w", err)
	}

	var results []<-chan error
	for _, mention := range extractMentions(note.Content) {
		mentioned, err := d.store.ReadAccByUsername(mention)
		if err != nil {
			log.Debug("Skipping unresolvable mention", "mention", mention)
			continue
		}
		inbox := ActorURI(d.domainName, mentioned.Username) + "/inbox"
		results = append(results, d.queue.Enqueue(json.RawMessage(raw), inbox, account))
	}

	d.awaitFanout("mention", results)
	return nil
}

// handleLike adds the liking actor to the target post's likes set. An
// unresolvable target leaves all state untouched.
func (d *Dispatcher) handleLike(activity *domain.Activity) error {
	uri := activity.ObjectURI()
	if uri == "" {
		return fmt.Errorf("Like activity missing object")
	}

	post, err := d.store.ReadPostByURI(uri)
	if err != nil {
		log.Debug("Like target not found", "object", uri)
		return nil
	}

	if err := d.store.AddLike(post.Id, activity.Actor); err != nil {
		return fmt.Errorf("failed to add like: %w", err)
	}

	return nil
}

// handleAnnounce bumps the target post's share counter, then forwards the
// announce to every follower. One unreachable follower never blocks the
// rest.
func (d *Dispatcher) handleAnnounce(account *domain.Account, activity *domain.Activity, raw []byte) error {
	uri := activity.ObjectURI()
	if uri == "" {
		return fmt.Errorf("Announce activity missing object")
	}

	post, err := d.store.ReadPostByURI(uri)
	if err != nil {
		log.Debug("Announce target not found", "object", uri)
		return nil
	}

	if err := d.store.IncrementShares(post.Id); err != nil {
		return fmt.Errorf("failed to increment shares: %w", err)
	}

	followers, err := d.store.ReadFollowers(account.Id)
	if err != nil {
		return fmt.Errorf("failed to read followers: %w", err)
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

	d.awaitFanout("announce", results)
	return nil
}

// awaitFanout collects every fan-out outcome so partial failure is
// observable, logging failures without failing the dispatch.
func (d *Dispatcher) awaitFanout(kind string, results []<-chan error) []error {
	var failed []error
	for _, result := range results {
		if err := <-result; err != nil {
			failed = append(failed, err)
		}
	}
	if len(failed) > 0 {
		log.Warn("Fan-out completed with failures", "kind", kind, "total", len(results), "failed", len(failed))
	}
	return failed
}

// extractMentions returns every @username token in content, in order and
// without deduplication.
func extractMentions(content string) []string {
	matches := mentionPattern.FindAllStringSubmatch(content, -1)
	mentions := make([]string, 0, len(matches))
	for _, match := range matches {
		mentions = append(mentions, match[1])
	}
	return mentions
}
