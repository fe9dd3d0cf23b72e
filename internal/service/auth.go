package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/crypto/bcrypt"

	"github.com/gigmarket/ordersync/internal/models"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInactiveUser       = errors.New("user account is inactive")
)

// JWTConfig holds configuration for JWT token generation
type JWTConfig struct {
	Secret    string
	ExpiresIn int // hours
}

// AuthService handles authentication and authorization of local API operators
type AuthService struct {
	users     map[string]models.User
	byID      map[string]models.User
	jwtConfig JWTConfig
	now       func() time.Time
}

// NewAuthService creates a new authentication service over the configured operators
func NewAuthService(users []models.User, jwtConfig JWTConfig) *AuthService {
	if jwtConfig.ExpiresIn <= 0 {
		jwtConfig.ExpiresIn = 24
	}
	s := &AuthService{
		users:     make(map[string]models.User, len(users)),
		byID:      make(map[string]models.User, len(users)),
		jwtConfig: jwtConfig,
		now:       time.Now,
	}
	for _, u := range users {
		if u.ID == "" {
			u.ID = u.Username
		}
		s.users[u.Username] = u
		s.byID[u.ID] = u
	}
	return s
}

// Claims represents JWT claims
type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// Login authenticates a user and returns a JWT token
func (s *AuthService) Login(_ context.Context, username, password string) (string, *models.User, error) {
	// Get user by username
	user, ok := s.users[username]
	if !ok {
		return "", nil, ErrInvalidCredentials
	}

	// Check if user is active
	if !user.IsActive {
		return "", nil, ErrInactiveUser
	}

	// Check password
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", nil, ErrInvalidCredentials
	}

	// Generate JWT token
	token, err := s.generateToken(user.ID, user.Role)
	if err != nil {
		return "", nil, fmt.Errorf("failed to generate token: %w", err)
	}

	return token, &user, nil
}

// generateToken generates a JWT token for a user
func (s *AuthService) generateToken(userID string, role models.UserRole) (string, error) {
	now := s.now()
	claims := &Claims{
		UserID: userID,
		Role:   string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(s.jwtConfig.ExpiresIn) * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.jwtConfig.Secret))
}

// ValidateToken validates a JWT token and returns the claims
func (s *AuthService) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.jwtConfig.Secret), nil
	})
	if err != nil {
		return nil, err
	}

	if !token.Valid {
		return nil, errors.New("invalid token")
	}

	return claims, nil
}

// GetUserFromToken gets the user associated with a token
func (s *AuthService) GetUserFromToken(tokenString string) (*models.User, error) {
	claims, err := s.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}

	user, ok := s.byID[claims.UserID]
	if !ok || !user.IsActive {
		return nil, fmt.Errorf("user %s: %w", claims.UserID, ErrInvalidCredentials)
	}
	return &user, nil
}

// HashPassword returns the bcrypt hash to put in the operators config
func HashPassword(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hashed), nil
}
