package httputil

import (
	"net/http"
	"strings"
	"time"

	"github.com/qcom/accounts/internal/config"
	"github.com/qcom/accounts/internal/models"
)

const (
	AccessTokenCookie  = "accessToken"
	RefreshTokenCookie = "refreshToken"
)

type Cookies struct {
	cfg           config.CookieConfig
	accessExpiry  time.Duration
	refreshExpiry time.Duration
}

func NewCookies(cfg config.CookieConfig, accessExpiry, refreshExpiry time.Duration) *Cookies {
	return &Cookies{cfg: cfg, accessExpiry: accessExpiry, refreshExpiry: refreshExpiry}
}

func (c *Cookies) SetTokens(w http.ResponseWriter, pair *models.TokenPair) {
	http.SetCookie(w, c.cookie(AccessTokenCookie, pair.AccessToken, int(c.accessExpiry.Seconds())))
	http.SetCookie(w, c.cookie(RefreshTokenCookie, pair.RefreshToken, int(c.refreshExpiry.Seconds())))
}

func (c *Cookies) ClearTokens(w http.ResponseWriter) {
	http.SetCookie(w, c.cookie(AccessTokenCookie, "", -1))
	http.SetCookie(w, c.cookie(RefreshTokenCookie, "", -1))
}

func (c *Cookies) cookie(name, value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   c.cfg.Domain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   c.cfg.Secure,
		SameSite: sameSiteMode(c.cfg.SameSite),
	}
}

func sameSiteMode(mode string) http.SameSite {
	switch mode {
	case "lax":
		return http.SameSiteLaxMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteStrictMode
	}
}

// TokenFromCookie returns the named cookie's value, or "" if absent.
func TokenFromCookie(r *http.Request, name string) string {
	cookie, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// AccessTokenFromRequest prefers the accessToken cookie and falls back to
// an "Authorization: Bearer" header.
func AccessTokenFromRequest(r *http.Request) string {
	if token := TokenFromCookie(r, AccessTokenCookie); token != "" {
		return token
	}

	authHeader := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(authHeader, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}
