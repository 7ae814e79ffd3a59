package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/pangolin-social/pangolin/domain"
	"github.com/pangolin-social/pangolin/util"
)

// Store is the SQLite-backed actor and post store. It is constructed once at
// startup and handed to the federation layer; there is no package-level
// instance.
type Store struct {
	db *sql.DB
}

const (
	//Accounts
	sqlCreateAccountsTable = `CREATE TABLE IF NOT EXISTS accounts(
                        id uuid NOT NULL PRIMARY KEY,
                        username varchar(100) UNIQUE NOT NULL,
                        display_name varchar(255),
                        summary text,
                        public_key_pem text,
                        private_key_pem text,
                        created_at timestamp default current_timestamp
                        )`
	sqlInsertAccount           = `INSERT INTO accounts(id, username, display_name, summary, public_key_pem, private_key_pem, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	sqlSelectAccountByUsername = `SELECT id, username, display_name, summary, public_key_pem, private_key_pem, created_at FROM accounts WHERE username = ?`

	//Followers: one row per (account, follower URI), the unique constraint
	//is what keeps the followers set duplicate-free
	sqlCreateFollowersTable = `CREATE TABLE IF NOT EXISTS followers(
                        account_id uuid NOT NULL,
                        follower_uri varchar(500) NOT NULL,
                        created_at timestamp default current_timestamp,
                        UNIQUE(account_id, follower_uri)
                        )`
	sqlInsertFollower  = `INSERT OR IGNORE INTO followers(account_id, follower_uri, created_at) VALUES (?, ?, ?)`
	sqlDeleteFollower  = `DELETE FROM followers WHERE account_id = ? AND follower_uri = ?`
	sqlSelectFollowers = `SELECT follower_uri FROM followers WHERE account_id = ? ORDER BY created_at`

	//Posts
	sqlCreatePostsTable = `CREATE TABLE IF NOT EXISTS posts(
                        id uuid NOT NULL PRIMARY KEY,
                        account_id uuid NOT NULL,
                        uri varchar(500) UNIQUE NOT NULL,
                        content text,
                        shares int default 0,
                        created_at timestamp default current_timestamp
                        )`
	sqlInsertPost      = `INSERT INTO posts(id, account_id, uri, content, shares, created_at) VALUES (?, ?, ?, ?, 0, ?)`
	sqlSelectPostByURI = `SELECT id, account_id, uri, content, shares, created_at FROM posts WHERE uri = ?`
	sqlIncrementShares = `UPDATE posts SET shares = shares + 1 WHERE id = ?`

	//Likes
	sqlCreateLikesTable = `CREATE TABLE IF NOT EXISTS likes(
                        post_id uuid NOT NULL,
                        actor_uri varchar(500) NOT NULL,
                        created_at timestamp default current_timestamp,
                        UNIQUE(post_id, actor_uri)
                        )`
	sqlInsertLike  = `INSERT OR IGNORE INTO likes(post_id, actor_uri, created_at) VALUES (?, ?, ?)`
	sqlSelectLikes = `SELECT actor_uri FROM likes WHERE post_id = ? ORDER BY created_at`

	//Activities: the per-actor inbox ('in') and outbox ('out') logs
	sqlCreateActivitiesTable = `CREATE TABLE IF NOT EXISTS activities(
                        id uuid NOT NULL PRIMARY KEY,
                        account_id uuid NOT NULL,
                        direction varchar(3) NOT NULL,
                        activity_type varchar(50) NOT NULL,
                        activity_uri varchar(500),
                        raw_json text,
                        created_at timestamp default current_timestamp
                        )`
	sqlInsertActivity     = `INSERT INTO activities(id, account_id, direction, activity_type, activity_uri, raw_json, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	sqlSelectActivities   = `SELECT raw_json FROM activities WHERE account_id = ? AND direction = ? ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`
	sqlCountActivities    = `SELECT count(*) FROM activities WHERE account_id = ? AND direction = ?`
	sqlSelectPostsByAccId = `SELECT id, account_id, uri, content, shares, created_at FROM posts WHERE account_id = ? ORDER BY created_at DESC, rowid DESC`
)

// Directions of the activity log.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Open opens (or creates) the database at path and runs the schema
// migrations. Use ":memory:" for an ephemeral store.
func Open(path string) (*Store, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: sqlDB}
	if err := s.migrate(); err != nil {
		sqlDB.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) migrate() error {
	for _, stmt := range []string{
		sqlCreateAccountsTable,
		sqlCreateFollowersTable,
		sqlCreatePostsTable,
		sqlCreateLikesTable,
		sqlCreateActivitiesTable,
	} {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) wrapTransaction(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// CreateAccount provisions a local actor with a fresh RSA keypair.
func (s *Store) CreateAccount(username, displayName, summary string) (*domain.Account, error) {
	keypair := util.GeneratePemKeypair()

	acc := &domain.Account{
		Id:            uuid.New(),
		Username:      username,
		DisplayName:   displayName,
		Summary:       summary,
		PublicKeyPem:  keypair.Public,
		PrivateKeyPem: keypair.Private,
		CreatedAt:     time.Now(),
	}

	err := s.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertAccount,
			acc.Id, acc.Username, acc.DisplayName, acc.Summary,
			acc.PublicKeyPem, acc.PrivateKeyPem, acc.CreatedAt)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}

	return acc, nil
}

// ReadAccByUsername looks up a local actor. Returns sql.ErrNoRows (wrapped)
// when no such account exists.
func (s *Store) ReadAccByUsername(username string) (*domain.Account, error) {
	acc := &domain.Account{}
	err := s.db.QueryRow(sqlSelectAccountByUsername, username).Scan(
		&acc.Id, &acc.Username, &acc.DisplayName, &acc.Summary,
		&acc.PublicKeyPem, &acc.PrivateKeyPem, &acc.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("account %q: %w", username, err)
	}
	return acc, nil
}

// AddFollower inserts followerURI into the account's followers set. Adding
// an existing follower is a no-op.
func (s *Store) AddFollower(accountId uuid.UUID, followerURI string) error {
	return s.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertFollower, accountId, followerURI, time.Now())
		return err
	})
}

// RemoveFollower deletes followerURI from the account's followers set.
func (s *Store) RemoveFollower(accountId uuid.UUID, followerURI string) error {
	return s.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteFollower, accountId, followerURI)
		return err
	})
}

// ReadFollowers returns the account's followers set in insertion order.
func (s *Store) ReadFollowers(accountId uuid.UUID) ([]string, error) {
	rows, err := s.db.Query(sqlSelectFollowers, accountId)
	if err != nil {
		return nil, fmt.Errorf("failed to read followers: %w", err)
	}
	defer rows.Close()

	var followers []string
	for rows.Next() {
		var uri string
		if err := rows.Scan(&uri); err != nil {
			return nil, err
		}
		followers = append(followers, uri)
	}
	return followers, rows.Err()
}

// CreatePost records a locally-published note so Like and Announce can
// resolve it by URI later.
func (s *Store) CreatePost(accountId uuid.UUID, uri, content string) (*domain.Post, error) {
	post := &domain.Post{
		Id:        uuid.New(),
		AccountId: accountId,
		URI:       uri,
		Content:   content,
		CreatedAt: time.Now(),
	}

	err := s.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertPost, post.Id, post.AccountId, post.URI, post.Content, post.CreatedAt)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create post: %w", err)
	}

	return post, nil
}

// ReadPostByURI resolves a post by its ActivityPub object URI.
func (s *Store) ReadPostByURI(uri string) (*domain.Post, error) {
	post := &domain.Post{}
	err := s.db.QueryRow(sqlSelectPostByURI, uri).Scan(
		&post.Id, &post.AccountId, &post.URI, &post.Content, &post.Shares, &post.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("post %q: %w", uri, err)
	}
	return post, nil
}

// ReadPostsByAccount returns the account's posts, newest first.
func (s *Store) ReadPostsByAccount(accountId uuid.UUID) ([]domain.Post, error) {
	rows, err := s.db.Query(sqlSelectPostsByAccId, accountId)
	if err != nil {
		return nil, fmt.Errorf("failed to read posts: %w", err)
	}
	defer rows.Close()

	var posts []domain.Post
	for rows.Next() {
		var p domain.Post
		if err := rows.Scan(&p.Id, &p.AccountId, &p.URI, &p.Content, &p.Shares, &p.CreatedAt); err != nil {
			return nil, err
		}
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

// AddLike inserts actorURI into the post's likes set. Liking twice is a no-op.
func (s *Store) AddLike(postId uuid.UUID, actorURI string) error {
	return s.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertLike, postId, actorURI, time.Now())
		return err
	})
}

// ReadLikes returns the actors that liked a post.
func (s *Store) ReadLikes(postId uuid.UUID) ([]string, error) {
	rows, err := s.db.Query(sqlSelectLikes, postId)
	if err != nil {
		return nil, fmt.Errorf("failed to read likes: %w", err)
	}
	defer rows.Close()

	var likes []string
	for rows.Next() {
		var uri string
		if err := rows.Scan(&uri); err != nil {
			return nil, err
		}
		likes = append(likes, uri)
	}
	return likes, rows.Err()
}

// IncrementShares bumps the post's share counter by one.
func (s *Store) IncrementShares(postId uuid.UUID) error {
	return s.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlIncrementShares, postId)
		return err
	})
}

// AppendActivity appends a serialized activity to the account's inbox or
// outbox log.
func (s *Store) AppendActivity(accountId uuid.UUID, direction, activityType, activityURI string, raw []byte) error {
	return s.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertActivity,
			uuid.New(), accountId, direction, activityType, activityURI, string(raw), time.Now())
		return err
	})
}

// AppendInbox appends a received activity to the account's inbox log.
func (s *Store) AppendInbox(accountId uuid.UUID, activityType, activityURI string, raw []byte) error {
	return s.AppendActivity(accountId, DirectionIn, activityType, activityURI, raw)
}

// AppendOutbox appends a published activity to the account's outbox log.
func (s *Store) AppendOutbox(accountId uuid.UUID, activityType, activityURI string, raw []byte) error {
	return s.AppendActivity(accountId, DirectionOut, activityType, activityURI, raw)
}

// ReadActivities reads a page of the account's inbox or outbox log, newest
// first.
func (s *Store) ReadActivities(accountId uuid.UUID, direction string, limit, offset int) ([][]byte, error) {
	rows, err := s.db.Query(sqlSelectActivities, accountId, direction, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to read activities: %w", err)
	}
	defer rows.Close()

	var items [][]byte
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		items = append(items, []byte(raw))
	}
	return items, rows.Err()
}

// CountActivities returns the total size of the account's inbox or outbox log.
func (s *Store) CountActivities(accountId uuid.UUID, direction string) (int, error) {
	var count int
	if err := s.db.QueryRow(sqlCountActivities, accountId, direction).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count activities: %w", err)
	}
	return count, nil
}
