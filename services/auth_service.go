package services

import (
	"context"
	"errors"
	"time"

	"khisima/config"
	"khisima/models"
	"khisima/protocol"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
)

type AuthService struct {
	Db          *gorm.DB
	jwtSecret   []byte
	tokenExpiry time.Duration
}

func NewAuthService(db *gorm.DB, config *config.AuthConfig) *AuthService {
	return &AuthService{
		Db:          db,
		jwtSecret:   []byte(config.JWTSecret),
		tokenExpiry: config.TokenTTL(),
	}
}

type Claims struct {
	UserID   uint   `json:"user_id"`
	Username string `json:"username"`
	Type     string `json:"type"`
	jwt.RegisteredClaims
}

func (s *AuthService) GenerateToken(user *models.User) (protocol.LoginResponse, error) {
	expires := time.Now().Add(s.tokenExpiry)
	claims := &Claims{
		UserID:   user.ID,
		Username: user.Username,
		Type:     user.Type,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return protocol.LoginResponse{}, err
	}
	return protocol.LoginResponse{Token: token, ExpiresAt: expires.UTC(), Username: user.Username}, nil
}

func (s *AuthService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return s.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, ErrInvalidToken
}

// Login 用户名 + 密码
func (s *AuthService) Login(ctx context.Context, username, password string) (*models.User, error) {
	var user models.User
	if err := s.Db.WithContext(ctx).Where("username = ?", username).First(&user).Error; err != nil {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return &user, nil
}

// UserFromToken 中间件使用：校验 token 并加载用户
func (s *AuthService) UserFromToken(ctx context.Context, tokenString string) (*models.User, error) {
	claims, err := s.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}
	var user models.User
	if err := s.Db.WithContext(ctx).First(&user, claims.UserID).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

// EnsureAdmin 启动时按配置创建或重置管理员账号
func (s *AuthService) EnsureAdmin(ctx context.Context, username, password string) (*models.User, error) {
	if username == "" || password == "" {
		return nil, nil
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	var user models.User
	err = s.Db.WithContext(ctx).Where("username = ?", username).First(&user).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		user = models.User{Username: username, Password: string(hashed), Type: "admin"}
		if err := s.Db.WithContext(ctx).Create(&user).Error; err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	default:
		user.Password = string(hashed)
		user.Type = "admin"
		if err := s.Db.WithContext(ctx).Save(&user).Error; err != nil {
			return nil, err
		}
	}
	return &user, nil
}
