package web

import (
	"github.com/pangolin-social/pangolin/activitypub"
	"github.com/pangolin-social/pangolin/domain"
)

// ActorDoc is the public ActivityPub rendition of a local account. The
// private key never appears here.
type ActorDoc struct {
	Context           []string     `json:"@context"`
	ID                string       `json:"id"`
	Type              string       `json:"type"`
	PreferredUsername string       `json:"preferredUsername"`
	Name              string       `json:"name,omitempty"`
	Summary           string       `json:"summary,omitempty"`
	Inbox             string       `json:"inbox"`
	Outbox            string       `json:"outbox"`
	Followers         string       `json:"followers"`
	PublicKey         PublicKeyDoc `json:"publicKey"`
}

type PublicKeyDoc struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

func actorDocument(acc *domain.Account, domainName string) ActorDoc {
	actorURI := activitypub.ActorURI(domainName, acc.Username)

	name := acc.DisplayName
	if name == "" {
		name = acc.Username
	}

	return ActorDoc{
		Context: []string{
			"https://www.w3.org/ns/activitystreams",
			"https://w3id.org/security/v1",
		},
		ID:                actorURI,
		Type:              "Person",
		PreferredUsername: acc.Username,
		Name:              name,
		Summary:           acc.Summary,
		Inbox:             actorURI + "/inbox",
		Outbox:            actorURI + "/outbox",
		Followers:         actorURI + "/followers",
		PublicKey: PublicKeyDoc{
			ID:           activitypub.KeyId(domainName, acc.Username),
			Owner:        actorURI,
			PublicKeyPem: acc.PublicKeyPem,
		},
	}
}

// WebfingerDoc is the discovery document served for acct: lookups.
type WebfingerDoc struct {
	Subject string          `json:"subject"`
	Links   []WebfingerLink `json:"links"`
}

type WebfingerLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type"`
	Href string `json:"href"`
}

func webfingerDocument(acc *domain.Account, domainName string) WebfingerDoc {
	return WebfingerDoc{
		Subject: "acct:" + acc.Username + "@" + domainName,
		Links: []WebfingerLink{
			{
				Rel:  "self",
				Type: "application/activity+json",
				Href: activitypub.ActorURI(domainName, acc.Username),
			},
		},
	}
}
