package joincode

import (
	"math/rand/v2"
	"strconv"
	"strings"
	"time"
)

const (
	lowerAlnum = "abcdefghijklmnopqrstuvwxyz0123456789"
	mixedAlnum = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

func randomString(alphabet string, n int) string {
	var b strings.Builder
	b.Grow(n)
	for range n {
		b.WriteByte(alphabet[rand.IntN(len(alphabet))])
	}
	return b.String()
}

// GeneratePresenterID returns a readable 6-character peer id, which doubles
// as the legacy join code.
func GeneratePresenterID() string {
	return randomString(lowerAlnum, 6)
}

// GenerateSessionID returns an 8-character alphanumeric id.
func GenerateSessionID() string {
	return randomString(mixedAlnum, 8)
}

// GenerateAttendeeID returns att_<base36 unix ms>_<5 random chars>.
func GenerateAttendeeID() string {
	return "att_" + strconv.FormatInt(time.Now().UnixMilli(), 36) + "_" + randomString(lowerAlnum, 5)
}
