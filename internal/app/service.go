package app

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"sweetblog/internal/auth"
	"sweetblog/internal/config"
	"sweetblog/internal/email"
	"sweetblog/internal/store"
	"sweetblog/internal/util"
)

// Session is an authenticated reader session backed by an access token.
type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	Email        string
	Username     string
	DeviceID     string
	JTI          string
	ExpiresAt    time.Time
}

type CreateCommentInput struct {
	Content  string `json:"content"`
	ParentID string `json:"parentId"`
}

type dataStore interface {
	Ping(ctx context.Context) error
	GetDeviceByUUID(ctx context.Context, uuid string) (store.Device, error)
	InsertDevice(ctx context.Context, device store.Device) error
	LinkDeviceToUser(ctx context.Context, deviceID, userID string) error
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	EnsureUserByEmail(ctx context.Context, email, id, username string) (store.User, error)
	SetNewsletterOptIn(ctx context.Context, userID string, optIn bool) error
	EnsureArticleRead(ctx context.Context, id string, articleID int64, deviceID string) (store.ArticleRead, error)
	GetArticleRead(ctx context.Context, articleID int64, deviceID string) (store.ArticleRead, error)
	UpdateReaction(ctx context.Context, readID string, liked, disliked bool) error
	MarkArticleRead(ctx context.Context, articleID int64, deviceID string, endedAt time.Time) error
	CountReactions(ctx context.Context, articleID int64) (store.ReactionCounts, error)
	EnsureRootComment(ctx context.Context, id string, articleID int64) (store.Comment, error)
	GetComment(ctx context.Context, commentID string) (store.Comment, error)
	InsertComment(ctx context.Context, comment store.Comment) error
	ListComments(ctx context.Context, articleID int64) ([]store.Comment, error)
	CountComments(ctx context.Context, articleID int64) (int, error)
	InsertTempCode(ctx context.Context, code store.TempCode) error
	LookupTempCode(ctx context.Context, email, codeHash string) (store.TempCode, error)
	MarkTempCodeUsed(ctx context.Context, codeID string) error
	DeleteExpiredTempCodes(ctx context.Context, before time.Time) (int64, error)
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type emailSender interface {
	IsConfigured() bool
	SendVerificationCode(to, code string, minutes int) error
}

// refreshStore holds refresh sessions. Postgres serves by default; Redis can
// take over when configured.
type refreshStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions refreshStore
	email    emailSender
	now      func() time.Time
}

func New(cfg config.Config, dataStore *store.PostgresStore, emailService *email.Service) *Service {
	return &Service{
		cfg:   cfg,
		store: dataStore,
		email: emailService,
		now:   time.Now,
	}
}

// NewWithSessionStore builds a service that keeps refresh sessions in the
// given store instead of Postgres.
func NewWithSessionStore(cfg config.Config, dataStore *store.PostgresStore, sessionStore refreshStore, emailService *email.Service) *Service {
	service := New(cfg, dataStore, emailService)
	service.sessions = sessionStore
	return service
}

func (s *Service) refreshSessions() refreshStore {
	if s.sessions != nil {
		return s.sessions
	}
	return s.store
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// DeviceMeta captures the request that first introduced a device.
type DeviceMeta struct {
	Method         string
	Path           string
	FullPath       string
	RemoteAddr     string
	UserAgent      string
	Referer        string
	AcceptLanguage string
}

// ResolveDevice finds the device for a cookie value, creating a fresh one
// when the cookie is missing or unknown. The returned flag reports whether a
// new device (and therefore a new cookie) was created.
func (s *Service) ResolveDevice(ctx context.Context, deviceUUID string, meta DeviceMeta) (store.Device, bool, error) {
	deviceUUID = strings.TrimSpace(deviceUUID)
	if deviceUUID != "" {
		device, err := s.store.GetDeviceByUUID(ctx, deviceUUID)
		if err == nil {
			return device, false, nil
		}
		if err != sql.ErrNoRows {
			return store.Device{}, false, err
		}
	}

	device := store.Device{
		ID:             util.NewID("dev"),
		UUID:           util.NewUUID(),
		Method:         meta.Method,
		Path:           meta.Path,
		FullPath:       meta.FullPath,
		RemoteAddr:     meta.RemoteAddr,
		UserAgent:      meta.UserAgent,
		Referer:        meta.Referer,
		AcceptLanguage: meta.AcceptLanguage,
		CreatedAt:      s.now(),
	}
	if err := s.store.InsertDevice(ctx, device); err != nil {
		return store.Device{}, false, err
	}
	return device, true, nil
}

// RequestCode emails a one-time login code. When SMTP is not configured the
// code is returned so local development can complete the flow.
func (s *Service) RequestCode(ctx context.Context, emailAddr, deviceUUID string) (string, error) {
	emailAddr = normalizeEmail(emailAddr)
	if !validEmail(emailAddr) {
		return "", validationError("a valid email is required")
	}

	code, err := randomCode()
	if err != nil {
		return "", err
	}

	// Opportunistic cleanup of stale codes.
	_, _ = s.store.DeleteExpiredTempCodes(ctx, s.now().Add(-s.cfg.CodeTTL))

	if err := s.store.InsertTempCode(ctx, store.TempCode{
		ID:         util.NewID("tmp"),
		Email:      emailAddr,
		CodeHash:   hashCode(code),
		DeviceUUID: deviceUUID,
		CreatedAt:  s.now(),
	}); err != nil {
		return "", err
	}

	if s.email != nil && s.email.IsConfigured() {
		minutes := int(s.cfg.CodeTTL / time.Minute)
		if err := s.email.SendVerificationCode(emailAddr, code, minutes); err != nil {
			return "", fmt.Errorf("send verification code: %w", err)
		}
		return "", nil
	}
	return code, nil
}

// VerifyCode exchanges an emailed code for a session and links the device to
// the user. Codes are single-use, expire after CodeTTL, and only work from
// the device that requested them.
func (s *Service) VerifyCode(ctx context.Context, emailAddr, code string, device store.Device) (Session, error) {
	emailAddr = normalizeEmail(emailAddr)
	code = strings.TrimSpace(code)
	if !validEmail(emailAddr) || code == "" {
		return Session{}, validationError("email and code are required")
	}

	tempCode, err := s.store.LookupTempCode(ctx, emailAddr, hashCode(code))
	if err != nil {
		if err == sql.ErrNoRows {
			return Session{}, domainError(http.StatusUnauthorized, "INVALID_CODE", "Code is invalid or already used", nil)
		}
		return Session{}, err
	}
	if s.now().Sub(tempCode.CreatedAt) > s.cfg.CodeTTL {
		return Session{}, domainError(http.StatusUnauthorized, "CODE_EXPIRED", "Code has expired, request a new one", nil)
	}
	if tempCode.DeviceUUID != "" && tempCode.DeviceUUID != device.UUID {
		return Session{}, domainError(http.StatusUnauthorized, "INVALID_CODE", "Code is invalid or already used", nil)
	}
	if err := s.store.MarkTempCodeUsed(ctx, tempCode.ID); err != nil {
		return Session{}, err
	}

	user, err := s.store.EnsureUserByEmail(ctx, emailAddr, util.NewID("usr"), usernameFromEmail(emailAddr))
	if err != nil {
		return Session{}, err
	}
	if err := s.store.LinkDeviceToUser(ctx, device.ID, user.ID); err != nil {
		return Session{}, err
	}

	return s.issueSession(ctx, user, device.UUID)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	sessions := s.refreshSessions()
	user, err := sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if user.Email == "" {
		user, err = s.store.GetUserByID(ctx, user.ID)
		if err != nil {
			return Session{}, err
		}
	}
	if err := sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user, "")
}

func (s *Service) issueSession(ctx context.Context, user store.User, deviceUUID string) (Session, error) {
	now := s.now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:    user.ID,
		Email:  user.Email,
		Device: deviceUUID,
		JTI:    jti,
		Exp:    expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.refreshSessions().SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		Email:        user.Email,
		Username:     user.Username,
		DeviceID:     deviceUUID,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    user.ID,
		Email:     user.Email,
		Username:  user.Username,
		DeviceID:  claims.Device,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken != "" {
		_ = s.refreshSessions().RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

func (s *Service) SetNewsletter(ctx context.Context, session Session, optIn bool) error {
	return s.store.SetNewsletterOptIn(ctx, session.UserID, optIn)
}

// Reactions reports aggregate like/dislike counts plus the calling device's
// own reaction state.
func (s *Service) Reactions(ctx context.Context, articleID int64, device store.Device) (map[string]any, error) {
	read, err := s.store.EnsureArticleRead(ctx, util.NewID("read"), articleID, device.ID)
	if err != nil {
		return nil, err
	}
	counts, err := s.store.CountReactions(ctx, articleID)
	if err != nil {
		return nil, err
	}
	return reactionsPayload(articleID, counts, read), nil
}

// ToggleReaction applies one of "like" or "dislike". Repeating a reaction
// clears it; switching reactions clears the opposite one.
func (s *Service) ToggleReaction(ctx context.Context, articleID int64, device store.Device, reaction string) (map[string]any, error) {
	reaction = strings.ToLower(strings.TrimSpace(reaction))
	if reaction != "like" && reaction != "dislike" {
		return nil, validationError("reaction must be 'like' or 'dislike'")
	}

	read, err := s.store.EnsureArticleRead(ctx, util.NewID("read"), articleID, device.ID)
	if err != nil {
		return nil, err
	}

	liked, disliked := read.Liked, read.Disliked
	switch reaction {
	case "like":
		if liked {
			liked = false
		} else {
			liked, disliked = true, false
		}
	case "dislike":
		if disliked {
			disliked = false
		} else {
			liked, disliked = false, true
		}
	}
	if err := s.store.UpdateReaction(ctx, read.ID, liked, disliked); err != nil {
		return nil, err
	}
	read.Liked, read.Disliked = liked, disliked

	counts, err := s.store.CountReactions(ctx, articleID)
	if err != nil {
		return nil, err
	}
	return reactionsPayload(articleID, counts, read), nil
}

// MarkRead records that the device finished reading an article.
func (s *Service) MarkRead(ctx context.Context, articleID int64, device store.Device) error {
	if _, err := s.store.EnsureArticleRead(ctx, util.NewID("read"), articleID, device.ID); err != nil {
		return err
	}
	return s.store.MarkArticleRead(ctx, articleID, device.ID, s.now())
}

func (s *Service) ListComments(ctx context.Context, articleID int64) (map[string]any, error) {
	comments, err := s.store.ListComments(ctx, articleID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(comments))
	for _, comment := range comments {
		items = append(items, commentPayload(comment))
	}
	return map[string]any{
		"articleId": util.ToHex(articleID),
		"count":     len(items),
		"comments":  items,
	}, nil
}

// CreateComment adds a comment under the given parent. A missing parent means
// the article's hidden root comment, which is created on demand.
func (s *Service) CreateComment(ctx context.Context, articleID int64, device store.Device, input CreateCommentInput) (map[string]any, error) {
	content := strings.TrimSpace(input.Content)
	if content == "" {
		return nil, validationError("content is required")
	}
	if len(content) > 4000 {
		return nil, validationError("content is too long")
	}

	root, err := s.store.EnsureRootComment(ctx, util.NewID("cmt"), articleID)
	if err != nil {
		return nil, err
	}

	parentID := strings.TrimSpace(input.ParentID)
	if parentID == "" {
		parentID = root.ID
	} else {
		parent, err := s.store.GetComment(ctx, parentID)
		if err != nil {
			if err == sql.ErrNoRows {
				return nil, validationError("parent comment not found")
			}
			return nil, err
		}
		if parent.ArticleID != articleID {
			return nil, validationError("parent comment belongs to another article")
		}
	}

	now := s.now()
	comment := store.Comment{
		ID:        util.NewID("cmt"),
		ArticleID: articleID,
		DeviceID:  &device.ID,
		ParentID:  &parentID,
		Content:   content,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.InsertComment(ctx, comment); err != nil {
		return nil, err
	}
	return commentPayload(comment), nil
}

func (s *Service) SMTPConfigured() bool {
	return s.email != nil && s.email.IsConfigured()
}

func reactionsPayload(articleID int64, counts store.ReactionCounts, read store.ArticleRead) map[string]any {
	return map[string]any{
		"articleId": util.ToHex(articleID),
		"likes":     counts.Likes,
		"dislikes":  counts.Dislikes,
		"liked":     read.Liked,
		"disliked":  read.Disliked,
	}
}

func commentPayload(comment store.Comment) map[string]any {
	var parentID any
	if comment.ParentID != nil {
		parentID = *comment.ParentID
	}
	return map[string]any{
		"id":        comment.ID,
		"articleId": util.ToHex(comment.ArticleID),
		"parentId":  parentID,
		"content":   comment.Content,
		"createdAt": comment.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func normalizeEmail(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func validEmail(value string) bool {
	at := strings.Index(value, "@")
	if at <= 0 || at == len(value)-1 {
		return false
	}
	return !strings.ContainsAny(value, " \t\r\n")
}

func usernameFromEmail(value string) string {
	if at := strings.Index(value, "@"); at > 0 {
		return value[:at]
	}
	return value
}

// randomCode produces a uniformly distributed 6-digit code.
func randomCode() (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	n := uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3])
	return fmt.Sprintf("%06d", n%1000000), nil
}

func hashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}
