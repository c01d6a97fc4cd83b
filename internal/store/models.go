package store

import "time"

type User struct {
	ID                string
	Email             string
	Username          string
	ReceiveNewsletter bool
	CreatedAt         time.Time
}

// Device is one anonymous browser/device identity, created the first time a
// request arrives without a usable device cookie. The request metadata is
// kept for moderation and analytics.
type Device struct {
	ID             string
	UUID           string
	UserID         *string
	Method         string
	Path           string
	FullPath       string
	RemoteAddr     string
	UserAgent      string
	Referer        string
	AcceptLanguage string
	CreatedAt      time.Time
}

// ArticleRead tracks one device's engagement with one article: reading
// progress plus the mutually exclusive liked/disliked pair.
type ArticleRead struct {
	ID          string
	ArticleID   int64
	DeviceID    string
	StartedRead time.Time
	EndedRead   *time.Time
	Liked       bool
	Disliked    bool
}

type ReactionCounts struct {
	Likes    int
	Dislikes int
}

// Comment is a threaded comment. Every article carries one hidden root
// comment that visible comments hang off.
type Comment struct {
	ID        string
	ArticleID int64
	DeviceID  *string
	ParentID  *string
	Content   string
	IsRoot    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TempCode is a single-use emailed verification code. Only a hash of the
// code is stored.
type TempCode struct {
	ID         string
	Email      string
	CodeHash   string
	DeviceUUID string
	Used       bool
	CreatedAt  time.Time
}
