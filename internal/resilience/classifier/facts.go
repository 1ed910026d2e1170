package classifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sashabaranov/go-openai"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"agent-resilience/internal/domain/entity"
	"agent-resilience/internal/resilience/retry"
)

// StatusCoder is implemented by errors that carry an HTTP-like status code.
type StatusCoder interface {
	HTTPStatus() int
}

// facts are the string-valued attributes conditions are evaluated against.
type facts map[string]string

// extractFacts inspects the error chain and the context.
func extractFacts(err error, ectx entity.ErrorContext) facts {
	f := facts{
		FieldService:   ectx.Service,
		FieldOperation: ectx.Operation,
		FieldTier:      strconv.Itoa(int(ectx.Tier)),
		FieldAttempt:   strconv.Itoa(ectx.Attempt),
	}
	for k, v := range ectx.Metadata {
		f[metadataPrefix+strings.ToLower(k)] = v
	}
	if err == nil {
		return f
	}

	f[FieldMessage] = err.Error()
	f[FieldType] = typeName(err)
	f[FieldRetryable] = strconv.FormatBool(retry.IsRetryable(err))

	timeout := false
	setStatus := func(code int, source string) {
		if code <= 0 {
			return
		}
		if _, ok := f[FieldStatus]; !ok {
			f[FieldStatus] = strconv.Itoa(code)
		}
		if _, ok := f[FieldSource]; !ok && source != "" {
			f[FieldSource] = source
		}
		if code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout {
			timeout = true
		}
	}

	var anthropicErr *anthropic.Error
	if errors.As(err, &anthropicErr) {
		setStatus(anthropicErr.StatusCode, "anthropic")
	}
	var openaiErr *openai.APIError
	if errors.As(err, &openaiErr) {
		setStatus(openaiErr.HTTPStatusCode, "openai")
		if code, ok := openaiErr.Code.(string); ok && code != "" {
			f[FieldCode] = code
		}
	}
	var openaiReqErr *openai.RequestError
	if errors.As(err, &openaiReqErr) {
		setStatus(openaiReqErr.HTTPStatusCode, "openai")
	}
	var httpErr *retry.HTTPError
	if errors.As(err, &httpErr) {
		setStatus(httpErr.StatusCode, "http")
	}
	var coder StatusCoder
	if errors.As(err, &coder) {
		setStatus(coder.HTTPStatus(), "")
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		f[FieldCode] = pgErr.Code
		f[FieldSource] = "postgres"
	}
	if pgconn.Timeout(err) {
		timeout = true
	}

	if st, ok := status.FromError(err); ok && st.Code() != codes.OK && st.Code() != codes.Unknown {
		f[FieldCode] = st.Code().String()
		if _, exists := f[FieldSource]; !exists {
			f[FieldSource] = "grpc"
		}
		if st.Code() == codes.DeadlineExceeded {
			timeout = true
		}
	}

	if isJWTError(err) {
		f[FieldSource] = "jwt"
	}

	var timeoutErr interface{ Timeout() bool }
	if errors.As(err, &timeoutErr) && timeoutErr.Timeout() {
		timeout = true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if _, ok := f[FieldSource]; !ok {
			f[FieldSource] = "network"
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		timeout = true
		if _, ok := f[FieldSource]; !ok {
			f[FieldSource] = "context"
		}
	}
	if errors.Is(err, context.Canceled) {
		if _, ok := f[FieldSource]; !ok {
			f[FieldSource] = "context"
		}
	}

	f[FieldTimeout] = strconv.FormatBool(timeout)
	return f
}

var jwtErrors = []error{
	jwt.ErrTokenMalformed,
	jwt.ErrTokenUnverifiable,
	jwt.ErrTokenSignatureInvalid,
	jwt.ErrTokenExpired,
	jwt.ErrTokenNotValidYet,
	jwt.ErrTokenInvalidClaims,
	jwt.ErrTokenUsedBeforeIssued,
	jwt.ErrTokenInvalidAudience,
	jwt.ErrTokenInvalidIssuer,
	jwt.ErrTokenInvalidSubject,
	jwt.ErrTokenRequiredClaimMissing,
}

func isJWTError(err error) bool {
	for _, target := range jwtErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// typeName returns the dynamic type of the innermost error in a single-unwrap chain.
func typeName(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return fmt.Sprintf("%T", err)
		}
		err = next
	}
}

var volatileTokens = regexp.MustCompile(`(?i)[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}|0x[0-9a-f]+|\d+`)

// signature fingerprints a failure so that the same failure from different
// requests collapses to one value.
func signature(f facts) string {
	h := fnv.New64a()
	msg := volatileTokens.ReplaceAllString(strings.ToLower(f[FieldMessage]), "#")
	for _, part := range []string{f[FieldType], msg, f[FieldStatus], f[FieldCode], f[FieldService], f[FieldOperation]} {
		_, _ = h.Write([]byte(part))
		_, _ = h.Write([]byte{0})
	}
	return strconv.FormatUint(h.Sum64(), 16)
}

// usage holds a pattern's match counters outside the immutable pattern list.
type usage struct {
	frequency atomic.Int64
	lastSeen  atomic.Int64
}

func newUsage(frequency int64, lastSeen time.Time) *usage {
	u := &usage{}
	u.frequency.Store(frequency)
	if !lastSeen.IsZero() {
		u.lastSeen.Store(lastSeen.UnixNano())
	}
	return u
}

func (u *usage) hit(now time.Time) {
	u.frequency.Add(1)
	u.lastSeen.Store(now.UnixNano())
}

func (u *usage) snapshot() (int64, time.Time) {
	var seen time.Time
	if ns := u.lastSeen.Load(); ns != 0 {
		seen = time.Unix(0, ns).UTC()
	}
	return u.frequency.Load(), seen
}
