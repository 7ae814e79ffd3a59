package web

import (
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/feeds"

	"github.com/pangolin-social/pangolin/store"
	"github.com/pangolin-social/pangolin/util"
)

// GetRSS renders an actor's posts as an RSS feed.
func GetRSS(conf *util.AppConfig, st *store.Store, username string) (string, error) {
	if username == "" {
		return "", errors.New("missing username")
	}

	acc, err := st.ReadAccByUsername(username)
	if err != nil {
		return "", fmt.Errorf("error retrieving account: %w", err)
	}

	posts, err := st.ReadPostsByAccount(acc.Id)
	if err != nil {
		return "", fmt.Errorf("error retrieving posts: %w", err)
	}

	email := fmt.Sprintf("%s@%s", acc.Username, conf.Conf.Domain)

	feed := &feeds.Feed{
		Title:       fmt.Sprintf("Pangolin Notes - %s", username),
		Link:        &feeds.Link{Href: fmt.Sprintf("https://%s/feed?username=%s", conf.Conf.Domain, username)},
		Description: fmt.Sprintf("posts by %s", username),
		Author:      &feeds.Author{Name: acc.Username, Email: email},
		Created:     time.Now(),
	}

	var feedItems []*feeds.Item
	for _, post := range posts {
		feedItems = append(feedItems,
			&feeds.Item{
				Id:      post.URI,
				Title:   post.CreatedAt.Format("2006-01-02 15:04:05"),
				Link:    &feeds.Link{Href: post.URI},
				Content: post.Content,
				Author:  &feeds.Author{Name: acc.Username, Email: email},
				Created: post.CreatedAt,
			})
	}

	feed.Items = feedItems
	return feed.ToRss()
}
