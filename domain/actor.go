package domain

import (
	"time"

	"github.com/google/uuid"
)

// Account is a local actor: a user provisioned on this server, holding the
// only copy of its private key. The private key never leaves the store and
// is never serialized into an actor document.
type Account struct {
	Id            uuid.UUID
	Username      string
	DisplayName   string
	Summary       string
	PublicKeyPem  string
	PrivateKeyPem string
	CreatedAt     time.Time
}

// RemoteActorRecord is a cached snapshot of a remote actor's document:
// just enough to deliver to it and verify its signatures.
type RemoteActorRecord struct {
	ID                string
	PreferredUsername string
	Inbox             string
	PublicKeyPem      string
	FetchedAt         time.Time
}

// Post is a note owned by a local account, with its likes set and share
// counter kept in the store.
type Post struct {
	Id        uuid.UUID
	AccountId uuid.UUID
	URI       string
	Content   string
	Shares    int
	CreatedAt time.Time
}

// DeliveryTask is one unit of outbound work: a serialized activity, the
// inbox it goes to, and the key material of the sending actor. The private
// key always belongs to the actor named in KeyId.
type DeliveryTask struct {
	InboxURI      string
	Activity      []byte
	KeyId         string
	PrivateKeyPem string
}
