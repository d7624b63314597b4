package classifier

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/krtong/bikenode.com-sub003/pkg/types"
)

var defaultChallenge = []string{"checking your browser", "captcha", "access denied", "cf-challenge"}

func TestClassify(t *testing.T) {
	c := New(defaultChallenge, map[string][]string{
		"shop.test": {"Add to Cart", "motorcycle"},
	})

	cases := []struct {
		name string
		resp Response
		want types.Verdict
	}{
		{
			name: "browser check on 200",
			resp: Response{Host: "example.test", StatusCode: 200, Body: []byte("<h1>Checking your browser before accessing example.test</h1>")},
			want: types.VerdictChallenge,
		},
		{
			name: "expected keywords present",
			resp: Response{Host: "shop.test", StatusCode: 200, Body: []byte("<button>Add to Cart</button> new motorcycle helmets")},
			want: types.VerdictAccepted,
		},
		{
			name: "www variant uses same keywords",
			resp: Response{Host: "www.shop.test", StatusCode: 200, Body: []byte("ADD TO CART")},
			want: types.VerdictAccepted,
		},
		{
			name: "silent block",
			resp: Response{Host: "shop.test", StatusCode: 200, Body: []byte("<html><body></body></html>")},
			want: types.VerdictBlocked,
		},
		{
			name: "server error without body",
			resp: Response{Host: "shop.test", StatusCode: 503},
			want: types.VerdictError,
		},
		{
			name: "forbidden with body",
			resp: Response{Host: "example.test", StatusCode: 403, Body: []byte("nope")},
			want: types.VerdictChallenge,
		},
		{
			name: "rate limited with body",
			resp: Response{Host: "example.test", StatusCode: 429, Body: []byte("slow down")},
			want: types.VerdictChallenge,
		},
		{
			name: "forbidden without body is an error",
			resp: Response{Host: "example.test", StatusCode: 403},
			want: types.VerdictError,
		},
		{
			name: "not found page",
			resp: Response{Host: "example.test", StatusCode: 404, Body: []byte("<h1>Not Found</h1>")},
			want: types.VerdictError,
		},
		{
			name: "host without keywords",
			resp: Response{Host: "example.test", StatusCode: 200, Body: []byte("<p>hello</p>")},
			want: types.VerdictAccepted,
		},
		{
			name: "captcha in 500 body",
			resp: Response{Host: "example.test", StatusCode: 500, Body: []byte("solve the CAPTCHA")},
			want: types.VerdictChallenge,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := c.Classify(tc.resp)
			require.Equal(t, tc.want, got.Verdict, got.Reason)
		})
	}
}

func TestClassifyWildcardExpectedContent(t *testing.T) {
	c := New(defaultChallenge, map[string][]string{"*": {"motorcycle"}})
	require.Equal(t, types.VerdictBlocked, c.Classify(Response{Host: "any.test", StatusCode: 200, Body: []byte("bicycle")}).Verdict)
	require.Equal(t, types.VerdictAccepted, c.Classify(Response{Host: "any.test", StatusCode: 200, Body: []byte("Motorcycle")}).Verdict)
}
