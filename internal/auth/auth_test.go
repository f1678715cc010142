package auth_test

import (
	"strconv"
	"testing"

	"github.com/italolelis/qqmusic_downloader/internal/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	ctx := auth.New("uin=o123; qqmusic_key=token;")

	assert.Equal(t, "uin=o123;qqmusic_key=token;", ctx.Cookie)
	assert.Equal(t, "123", ctx.UIN)
	assert.Equal(t, int64(275828038), ctx.GTK)
	assert.NotZero(t, ctx.GTK)
}

func TestNew_NoToken(t *testing.T) {
	for _, cookie := range []string{"", "foo=bar", "uin=abc; other=1"} {
		t.Run(cookie, func(t *testing.T) {
			first := auth.New(cookie)
			second := auth.New(cookie)

			assert.Equal(t, int64(5381), first.GTK)
			assert.Equal(t, first, second)
		})
	}
}

func TestNew_TokenPriority(t *testing.T) {
	withSkey := auth.New("skey=aaa; p_skey=bbb")
	assert.Equal(t, auth.GTK("bbb"), withSkey.GTK)

	withMusicKey := auth.New("skey=aaa; qqmusic_key=ccc; p_skey=bbb")
	assert.Equal(t, auth.GTK("ccc"), withMusicKey.GTK)

	onlyLskey := auth.New("lskey=ddd")
	assert.Equal(t, auth.GTK("ddd"), onlyLskey.GTK)
}

func TestCleanCookie(t *testing.T) {
	assert.Equal(t, "a=1;b=x%2Ay", auth.CleanCookie(" a=1;\n b = x*y "))
}

func TestNormalizeUIN(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"o0123", "0123"},
		{"O42", "42"},
		{"12345", "12345"},
		{"x99y7", "99"},
		{"abc", "0"},
		{"", "0"},
		{"oOo", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, auth.NormalizeUIN(tt.raw))
		})
	}
}

func TestGTK_Bounded(t *testing.T) {
	long := make([]byte, 4096)
	for i := range long {
		long[i] = 'z'
	}

	h := auth.GTK(string(long))
	assert.GreaterOrEqual(t, h, int64(0))
	assert.LessOrEqual(t, h, int64(0x7FFFFFFF))
}

func TestComm(t *testing.T) {
	ctx := auth.New("uin=10001; qqmusic_key=token")
	comm := ctx.Comm("1234567890")

	assert.Equal(t, "10001", comm["uin"])
	assert.Equal(t, ctx.GTK, comm["g_tk"])
	assert.Equal(t, ctx.GTK, comm["g_tk_new_20200303"])
	assert.Equal(t, "yqq.json", comm["platform"])
	assert.Equal(t, "1234567890", comm["guid"])

	_, hasGUID := ctx.Comm("")["guid"]
	assert.False(t, hasGUID)
}

func TestNewGUID(t *testing.T) {
	seen := map[string]bool{}

	for i := 0; i < 50; i++ {
		guid := auth.NewGUID()
		require.Len(t, guid, 10)

		n, err := strconv.ParseInt(guid, 10, 64)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, int64(1000000000))
		assert.LessOrEqual(t, n, int64(9999999999))

		seen[guid] = true
	}

	assert.Greater(t, len(seen), 1)
}
