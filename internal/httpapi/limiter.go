package httpapi

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// userLimiter hands out one token bucket per user. Idle buckets expire so
// the map does not grow with every user ever seen.
type userLimiter struct {
	perMinute int
	buckets   *gocache.Cache
}

func newUserLimiter(perMinute int) *userLimiter {
	return &userLimiter{
		perMinute: perMinute,
		buckets:   gocache.New(10*time.Minute, 5*time.Minute),
	}
}

// Allow reports whether userID may send another message now. A limit of zero
// disables limiting.
func (l *userLimiter) Allow(userID string) bool {
	if l == nil || l.perMinute <= 0 {
		return true
	}
	return l.bucket(userID).Allow()
}

func (l *userLimiter) bucket(userID string) *rate.Limiter {
	if v, ok := l.buckets.Get(userID); ok {
		l.buckets.SetDefault(userID, v)
		return v.(*rate.Limiter)
	}
	lim := rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.perMinute)), l.perMinute)
	if err := l.buckets.Add(userID, lim, gocache.DefaultExpiration); err != nil {
		// Lost the race with another request for the same user.
		if v, ok := l.buckets.Get(userID); ok {
			return v.(*rate.Limiter)
		}
	}
	return lim
}
