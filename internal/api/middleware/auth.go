// auth.go — JWT middleware для maintenance API.
// Токены RS256 проверяются по ключам JWKS endpoint (KS_JWKS_URL).
// Claims: sub, scope (строка через пробел) или scopes (массив).
// Health и metrics — без аутентификации.
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	apierrors "github.com/bigkaa/goartstore/keyed-store/internal/api/errors"
)

// ScopeMaintenance — scope для операций обслуживания.
const ScopeMaintenance = "keyed-store:maintenance"

// contextKey — тип ключей контекста.
type contextKey string

const (
	// ContextKeySubject — sub из JWT.
	ContextKeySubject contextKey = "jwt_subject"
	// ContextKeyScopes — scopes из JWT.
	ContextKeyScopes contextKey = "jwt_scopes"
)

// Значения по умолчанию для JWTAuthConfig.
const (
	defaultClientTimeout   = 10 * time.Second
	defaultRefreshInterval = 15 * time.Minute
	defaultJWTLeeway       = 5 * time.Second
)

// Claims — JWT claims maintenance API.
type Claims struct {
	jwt.RegisteredClaims
	// ScopeString — стандартный OAuth2 claim (через пробел)
	ScopeString string `json:"scope"`
	// ScopeArray — альтернативный формат (массив строк)
	ScopeArray []string `json:"scopes"`
}

// Scopes возвращает объединённый список scope из обоих форматов.
func (c *Claims) Scopes() []string {
	var result []string
	if c.ScopeString != "" {
		result = append(result, strings.Fields(c.ScopeString)...)
	}
	return append(result, c.ScopeArray...)
}

// JWTAuthConfig — параметры JWT middleware.
// Нулевые длительности заменяются значениями по умолчанию.
type JWTAuthConfig struct {
	// JWKSURL — URL JWKS endpoint
	JWKSURL string
	// ClientTimeout — таймаут HTTP-клиента JWKS
	ClientTimeout time.Duration
	// RefreshInterval — интервал обновления ключей
	RefreshInterval time.Duration
	// JWTLeeway — допустимое отклонение часов при проверке exp/nbf
	JWTLeeway time.Duration
}

// JWTAuth — middleware JWT-аутентификации через JWKS.
type JWTAuth struct {
	jwks      keyfunc.Keyfunc
	jwtLeeway time.Duration
	logger    *slog.Logger
}

// NewJWTAuth создаёт middleware с ключами из JWKS endpoint.
// Недоступность endpoint при старте не считается ошибкой:
// ключи подтянутся при следующем обновлении.
func NewJWTAuth(authCfg JWTAuthConfig, logger *slog.Logger) (*JWTAuth, error) {
	if authCfg.ClientTimeout <= 0 {
		authCfg.ClientTimeout = defaultClientTimeout
	}
	if authCfg.RefreshInterval <= 0 {
		authCfg.RefreshInterval = defaultRefreshInterval
	}
	if authCfg.JWTLeeway <= 0 {
		authCfg.JWTLeeway = defaultJWTLeeway
	}

	storage, err := jwkset.NewStorageFromHTTP(authCfg.JWKSURL, jwkset.HTTPClientStorageOptions{
		Client:                    &http.Client{Timeout: authCfg.ClientTimeout},
		NoErrorReturnFirstHTTPReq: true,
		RefreshInterval:           authCfg.RefreshInterval,
		RefreshErrorHandler: func(_ context.Context, err error) {
			logger.Error("Ошибка обновления JWKS",
				slog.String("error", err.Error()),
				slog.String("url", authCfg.JWKSURL),
			)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("создание JWKS storage: %w", err)
	}

	k, err := keyfunc.New(keyfunc.Options{Storage: storage})
	if err != nil {
		return nil, fmt.Errorf("создание keyfunc: %w", err)
	}

	return NewJWTAuthWithKeyfunc(k, authCfg.JWTLeeway, logger), nil
}

// NewJWTAuthWithKeyfunc создаёт middleware с готовой keyfunc.
func NewJWTAuthWithKeyfunc(kf keyfunc.Keyfunc, jwtLeeway time.Duration, logger *slog.Logger) *JWTAuth {
	return &JWTAuth{
		jwks:      kf,
		jwtLeeway: jwtLeeway,
		logger:    logger.With(slog.String("component", "jwt_auth")),
	}
}

// Middleware извлекает Bearer token, проверяет подпись RS256 и exp/nbf,
// помещает sub и scopes в контекст запроса.
func (j *JWTAuth) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				apierrors.Unauthorized(w, "Отсутствует заголовок Authorization")
				return
			}

			scheme, tokenString, found := strings.Cut(authHeader, " ")
			if !found || !strings.EqualFold(scheme, "Bearer") {
				apierrors.Unauthorized(w, "Неверный формат Authorization: ожидается Bearer <token>")
				return
			}
			if tokenString == "" {
				apierrors.Unauthorized(w, "Пустой Bearer token")
				return
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(tokenString, claims, j.jwks.KeyfuncCtx(r.Context()),
				jwt.WithValidMethods([]string{"RS256"}),
				jwt.WithExpirationRequired(),
				jwt.WithLeeway(j.jwtLeeway),
			)
			if err != nil || !token.Valid {
				j.logger.Debug("JWT валидация не пройдена",
					slog.Any("error", err),
					slog.String("remote_addr", r.RemoteAddr),
				)
				apierrors.Unauthorized(w, "Невалидный или просроченный токен")
				return
			}

			subject, err := claims.GetSubject()
			if err != nil || subject == "" {
				apierrors.Unauthorized(w, "Отсутствует sub в токене")
				return
			}

			ctx := context.WithValue(r.Context(), ContextKeySubject, subject)
			ctx = context.WithValue(ctx, ContextKeyScopes, claims.Scopes())

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireScope проверяет наличие scope в токене (403 при отсутствии).
// Используется после JWTAuth.Middleware().
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scopes, ok := r.Context().Value(ContextKeyScopes).([]string)
			if !ok {
				apierrors.Forbidden(w, "Отсутствуют scopes в токене")
				return
			}
			if !slices.Contains(scopes, scope) {
				apierrors.Forbidden(w, "Недостаточно прав: требуется scope "+scope)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SubjectFromContext извлекает sub из контекста запроса.
func SubjectFromContext(ctx context.Context) string {
	subject, _ := ctx.Value(ContextKeySubject).(string)
	return subject
}
