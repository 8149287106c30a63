package auth

import (
	"net/http"
	"strings"
	"time"

	"github.com/computersciencehouse/rankit/logging"
	"github.com/dgrijalva/jwt-go"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ContextKey is where Middleware stores the verified *Claims.
const ContextKey = "rankit.claims"

var (
	ErrMissingToken = errors.New("no token provided")
	ErrInvalidToken = errors.New("invalid token")
)

// Claims binds a user to one poll. The user id is the token subject.
type Claims struct {
	PollId string `json:"pollId"`
	Name   string `json:"name"`
	jwt.StandardClaims
}

func (c *Claims) UserId() string {
	return c.Subject
}

func (c *Claims) Valid() error {
	if err := c.StandardClaims.Valid(); err != nil {
		return err
	}
	if c.Subject == "" || c.PollId == "" {
		return errors.New("token is missing subject or poll")
	}
	return nil
}

type Tokens struct {
	secret   []byte
	lifetime time.Duration
	now      func() time.Time
}

func NewTokens(secret string, lifetime time.Duration) *Tokens {
	return &Tokens{secret: []byte(secret), lifetime: lifetime, now: time.Now}
}

func (t *Tokens) Issue(userId, pollId, name string) (string, error) {
	now := t.now()
	claims := &Claims{
		PollId: pollId,
		Name:   name,
		StandardClaims: jwt.StandardClaims{
			Subject:   userId,
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(t.lifetime).Unix(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", errors.Wrap(err, "sign token")
	}
	return signed, nil
}

func (t *Tokens) Verify(token string) (*Claims, error) {
	if token == "" {
		return nil, ErrMissingToken
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(tok *jwt.Token) (interface{}, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method %v", tok.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, errors.WithMessagef(ErrInvalidToken, "%v", err)
	}
	return claims, nil
}

// tokenFrom looks for a bearer header, then a "token" query parameter
// (EventSource cannot set headers), then an accessToken body field.
func tokenFrom(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	if q := c.Query("token"); q != "" {
		return q
	}
	if c.Request.Method == http.MethodPost && c.Request.Body != nil {
		var body struct {
			AccessToken string `json:"accessToken"`
		}
		if err := c.ShouldBindBodyWith(&body, binding.JSON); err == nil {
			return body.AccessToken
		}
	}
	return ""
}

func (t *Tokens) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := t.Verify(tokenFrom(c))
		if err != nil {
			logging.Logger.WithFields(logrus.Fields{"module": "auth", "method": "Middleware", "path": c.Request.URL.Path, "error": err}).Warn("rejected token")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"type": "Unauthorized", "message": "invalid authorization token"})
			return
		}
		c.Set(ContextKey, claims)
		c.Next()
	}
}

// FromContext returns the claims stored by Middleware.
func FromContext(c *gin.Context) (*Claims, bool) {
	v, ok := c.Get(ContextKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*Claims)
	return claims, ok
}
