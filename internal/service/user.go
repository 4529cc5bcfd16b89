package service

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"interestchat/internal/auth"
	"interestchat/internal/config"
	clog "interestchat/internal/log"
	"interestchat/internal/models"
	"interestchat/internal/storage"

	"gorm.io/gorm"
)

const maxNicknameLength = 50

// UserService 封装用户相关的业务逻辑。
type UserService struct {
	db    *gorm.DB
	blobs storage.Blob
	cfg   config.Config
}

func NewUserService(db *gorm.DB, blobs storage.Blob, cfg config.Config) *UserService {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultStoreTimeout
	}
	return &UserService{db: db, blobs: blobs, cfg: cfg}
}

// RegisterResult 注册成功后返回的数据。
type RegisterResult struct {
	ID       uint   `json:"id"`
	Nickname string `json:"nickname"`
}

// ProfileView 是对外输出的用户资料。
type ProfileView struct {
	ID                uint           `json:"id"`
	Nickname          string         `json:"nickname"`
	Reputation        float64        `json:"reputation"`
	ProfilePictureURL *string        `json:"profile_picture_url"`
	Interests         []InterestView `json:"interests"`
}

// ProfileUpdate 为 nil 的字段保持不变；InterestIDs 非 nil 时整体替换兴趣集合。
type ProfileUpdate struct {
	Nickname    *string `json:"nickname"`
	InterestIDs []uint  `json:"interest_ids"`
}

func (s *UserService) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.StoreTimeout)
}

// Register 注册新用户，昵称唯一。
func (s *UserService) Register(ctx context.Context, nickname, password string) (*RegisterResult, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var count int64
	if err := s.db.WithContext(ctx).Model(&models.User{}).Where("nickname = ?", nickname).Count(&count).Error; err != nil {
		return nil, fail(ctx, "register", err)
	}
	if count > 0 {
		return nil, newError(KindConflict, "nickname taken", ErrNicknameTaken)
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, fail(ctx, "register", err)
	}
	user := models.User{Nickname: nickname, PasswordHash: hash, Reputation: 5}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, newError(KindConflict, "nickname taken", ErrNicknameTaken)
		}
		return nil, fail(ctx, "register", err)
	}
	return &RegisterResult{ID: user.ID, Nickname: user.Nickname}, nil
}

// LoginResult 登录成功后返回的数据。
type LoginResult struct {
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token"`
	User         models.User `json:"-"`
}

// Login 校验昵称密码并签发 token 对。
func (s *UserService) Login(ctx context.Context, nickname, password string) (*LoginResult, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var user models.User
	if err := s.db.WithContext(ctx).Where("nickname = ?", nickname).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fail(ctx, "login", err)
	}
	if !auth.VerifyPassword(user.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}
	at, err := auth.GenerateAccessToken(user.ID, s.cfg.JWTSecret, s.cfg.AccessTokenTTLMinutes)
	if err != nil {
		return nil, err
	}
	rt, err := auth.GenerateRefreshToken()
	if err != nil {
		return nil, err
	}
	if err := auth.SaveRefreshToken(s.db.WithContext(ctx), user.ID, rt, s.refreshExpiry()); err != nil {
		return nil, fail(ctx, "login", err)
	}
	return &LoginResult{AccessToken: at, RefreshToken: rt, User: user}, nil
}

// RefreshResult 刷新 token 后返回的新 token 对。
type RefreshResult struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// RefreshTokens 验证旧 refresh token 并签发新 token 对（旋转刷新）。
func (s *UserService) RefreshTokens(ctx context.Context, oldRT string) (*RefreshResult, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var result RefreshResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, err := auth.ValidateRefreshToken(tx, oldRT)
		if err != nil {
			return err
		}
		if err := auth.RevokeRefreshToken(tx, oldRT); err != nil {
			return err
		}
		at, err := auth.GenerateAccessToken(rec.UserID, s.cfg.JWTSecret, s.cfg.AccessTokenTTLMinutes)
		if err != nil {
			return err
		}
		newRT, err := auth.GenerateRefreshToken()
		if err != nil {
			return err
		}
		if err := auth.SaveRefreshToken(tx, rec.UserID, newRT, s.refreshExpiry()); err != nil {
			return err
		}
		result.AccessToken = at
		result.RefreshToken = newRT
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (s *UserService) refreshExpiry() time.Time {
	return time.Now().UTC().Add(time.Duration(s.cfg.RefreshTokenTTLDays) * 24 * time.Hour)
}

// Profile 返回用户资料及其兴趣。
func (s *UserService) Profile(ctx context.Context, userID uint) (*ProfileView, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	view, err := s.profile(s.db.WithContext(ctx), userID)
	if err != nil {
		return nil, fail(ctx, "profile", err)
	}
	return view, nil
}

func (s *UserService) profile(db *gorm.DB, userID uint) (*ProfileView, error) {
	var user models.User
	err := db.Preload("Interests", func(q *gorm.DB) *gorm.DB { return q.Order("interests.name asc") }).First(&user, userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, NotFound("user not found")
	}
	if err != nil {
		return nil, err
	}
	interests := make([]InterestView, 0, len(user.Interests))
	for _, i := range user.Interests {
		interests = append(interests, toInterestView(i))
	}
	return &ProfileView{
		ID:                user.ID,
		Nickname:          user.Nickname,
		Reputation:        user.Reputation,
		ProfilePictureURL: user.ProfilePictureURL,
		Interests:         interests,
	}, nil
}

// UpdateProfile 修改昵称并/或替换兴趣集合，所有兴趣 id 必须存在。
func (s *UserService) UpdateProfile(ctx context.Context, userID uint, upd ProfileUpdate) (*ProfileView, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var nickname string
	if upd.Nickname != nil {
		nickname = strings.TrimSpace(*upd.Nickname)
		if nickname == "" || utf8.RuneCountInString(nickname) > maxNicknameLength {
			return nil, BadRequest("nickname must be 1 to 50 characters")
		}
	}

	var view *ProfileView
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user models.User
		if err := tx.First(&user, userID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return NotFound("user not found")
			}
			return err
		}
		if upd.Nickname != nil && nickname != user.Nickname {
			if err := tx.Model(&user).Update("nickname", nickname).Error; err != nil {
				if errors.Is(err, gorm.ErrDuplicatedKey) {
					return newError(KindConflict, "nickname taken", ErrNicknameTaken)
				}
				return err
			}
		}
		if upd.InterestIDs != nil {
			interests, err := findInterests(tx, upd.InterestIDs)
			if err != nil {
				return err
			}
			assoc := tx.Model(&user).Association("Interests")
			if len(interests) == 0 {
				err = assoc.Clear()
			} else {
				err = assoc.Replace(interests)
			}
			if err != nil {
				return err
			}
		}
		var err error
		view, err = s.profile(tx, userID)
		return err
	})
	if err != nil {
		return nil, fail(ctx, "update profile", err)
	}
	return view, nil
}

func findInterests(tx *gorm.DB, ids []uint) ([]models.Interest, error) {
	unique := make([]uint, 0, len(ids))
	seen := make(map[uint]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	interests := make([]models.Interest, 0, len(unique))
	if len(unique) == 0 {
		return interests, nil
	}
	if err := tx.Where("id IN ?", unique).Find(&interests).Error; err != nil {
		return nil, err
	}
	if len(interests) != len(unique) {
		return nil, NotFound("interest not found")
	}
	return interests, nil
}

// UpdateAvatar 上传新头像并尽力删除旧头像。
func (s *UserService) UpdateAvatar(ctx context.Context, userID uint, up Upload) (*ProfileView, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := up.checkImage(); err != nil {
		return nil, err
	}
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NotFound("user not found")
		}
		return nil, fail(ctx, "update avatar", err)
	}

	ref, err := s.blobs.Store(ctx, "user_avatars", up.Filename, up.ContentType, up.Body, up.Size)
	if err != nil {
		return nil, fail(ctx, "store avatar", newError(KindTransient, "failed to store avatar", err))
	}
	if err := s.db.WithContext(ctx).Model(&user).Update("profile_picture_url", ref).Error; err != nil {
		s.deleteBlob(ctx, ref)
		return nil, fail(ctx, "update avatar", err)
	}
	if old := user.ProfilePictureURL; old != nil && *old != "" && *old != ref {
		s.deleteBlob(ctx, *old)
	}
	return s.Profile(ctx, userID)
}

func (s *UserService) deleteBlob(ctx context.Context, ref string) {
	if err := s.blobs.Delete(context.WithoutCancel(ctx), ref); err != nil {
		clog.Ctx(ctx).Warn().Err(err).Str("ref", ref).Msg("delete avatar")
	}
}
