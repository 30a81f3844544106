package auth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt"
)

type Role string

const (
	RoleCustomer Role = "customer"
	RoleAdvisor  Role = "advisor"
)

// Identity — результат разбора bearer-токена портала. Пустой UserID означает
// гостя: вместо учётной записи гость предъявляет guest_token тикета.
type Identity struct {
	UserID string
	Role   Role
}

func (i Identity) IsGuest() bool { return i.UserID == "" }

// Resolver проверяет JWT портала (HS256) и достаёт из claims sub и role.
type Resolver struct {
	secret []byte
}

func NewResolver(secret string) *Resolver {
	return &Resolver{secret: []byte(secret)}
}

// Parse валидирует токен и возвращает Identity. Подпись не-HMAC отклоняется.
func (r *Resolver) Parse(tokenString string) (Identity, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return r.secret, nil
	})
	if err != nil {
		return Identity{}, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Identity{}, fmt.Errorf("invalid token claims")
	}
	sub, _ := claims["sub"].(string)
	role, _ := claims["role"].(string)
	if sub == "" || (Role(role) != RoleCustomer && Role(role) != RoleAdvisor) {
		return Identity{}, fmt.Errorf("token missing sub or role")
	}
	return Identity{UserID: sub, Role: Role(role)}, nil
}

// Sign выпускает токен с заданным сроком жизни. Используется в тестах и
// во вспомогательном инструментарии; в продакшне токены выпускает портал.
func (r *Resolver) Sign(id Identity, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"sub":  id.UserID,
		"role": string(id.Role),
		"exp":  time.Now().Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.secret)
}

const identityKey = "identity"

// Authenticate разбирает заголовок Authorization, если он есть, и кладёт
// Identity в контекст запроса. Запрос без валидного токена продолжает
// обрабатываться как гостевой: маршруты, требующие роль, отсекают его
// через RequireRole.
func (r *Resolver) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.Next()
			return
		}
		tokenString := strings.TrimPrefix(header, "Bearer ")
		id, err := r.Parse(tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(identityKey, id)
		c.Next()
	}
}

// RequireRole отклоняет гостей (401) и чужие роли (403).
func RequireRole(role Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := IdentityFrom(c)
		if id.IsGuest() {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		if id.Role != role {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient role"})
			return
		}
		c.Next()
	}
}

// IdentityFrom возвращает Identity запроса; гость — нулевое значение.
func IdentityFrom(c *gin.Context) Identity {
	if v, ok := c.Get(identityKey); ok {
		if id, ok := v.(Identity); ok {
			return id
		}
	}
	return Identity{}
}
