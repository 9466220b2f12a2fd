package extract

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimestamps(t *testing.T) {
	t.Parallel()

	cutoff := time.Unix(1_700_000_000, 0)

	cases := []struct {
		name string
		doc  string
		want []Observation
	}{
		{
			name: "creation only fresh",
			doc:  `{"creation_time":1700000100}`,
			want: []Observation{{Source: SourceCreation, Millis: 1_700_000_100_000, Fresh: true}},
		},
		{
			name: "creation exactly at cutoff is stale",
			doc:  `{"creation_time":1700000000}`,
			want: []Observation{{Source: SourceCreation, Millis: 1_700_000_000_000, Fresh: false}},
		},
		{
			name: "tracking requires inner parse",
			doc:  `{"story":{"tracking":"{\"page_insights\":{\"1\":{\"publish_time\":1700000200}}}"}}`,
			want: []Observation{{Source: SourceTracking, Millis: 1_700_000_200_000, Fresh: true}},
		},
		{
			name: "tracking without publish time is stale",
			doc:  `{"story":{"tracking":"{\"qid\":\"1\"}"}}`,
			want: []Observation{{Source: SourceTracking}},
		},
		{
			name: "both sources",
			doc:  `{"creation_time":1699999000,"story":{"tracking":"{\"publish_time\":1700000300}"}}`,
			want: []Observation{
				{Source: SourceCreation, Millis: 1_699_999_000_000, Fresh: false},
				{Source: SourceTracking, Millis: 1_700_000_300_000, Fresh: true},
			},
		},
		{
			name: "none",
			doc:  `{"label":"x"}`,
			want: nil,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := Finder{}.Timestamps(mustDecode(t, tc.doc), cutoff)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestResolve(t *testing.T) {
	t.Parallel()

	_, ok := Resolve([]Observation{{Millis: 5, Fresh: false}})
	require.False(t, ok)

	ms, ok := Resolve([]Observation{
		{Millis: 10, Fresh: true},
		{Millis: 30, Fresh: false},
		{Millis: 20, Fresh: true},
	})
	require.True(t, ok)
	require.Equal(t, int64(20), ms)
}

func TestPermalink(t *testing.T) {
	t.Parallel()

	g, p := Permalink("https://www.facebook.com/groups/157048338418951/posts/987654321/")
	require.Equal(t, "157048338418951", g)
	require.Equal(t, "987654321", p)

	g, p = Permalink("https://www.facebook.com/groups/abc/posts/42?comment_id=1")
	require.Equal(t, "abc", g)
	require.Equal(t, "42", p)

	g, p = Permalink("https://www.facebook.com/permalink.php?story_fbid=1")
	require.Empty(t, g)
	require.Empty(t, p)
}

func TestAssemble(t *testing.T) {
	t.Parallel()

	doc := mustDecode(t, `{
		"node": {
			"owning_profile": {"name": "Jane", "id": "77"},
			"story": {"message": {"text": "hello"}},
			"prefetch_uris_v2": [{"uri": "https://cdn/a.jpg"}, {"uri": "https://cdn/b.jpg"}],
			"metadata": [{"story": {"url": "https://www.facebook.com/groups/g1/posts/p1/"}}]
		}
	}`)
	post, ok := Finder{}.Assemble(doc, 1_700_000_000_000)
	require.True(t, ok)
	require.Equal(t, "g1", post.GroupID)
	require.Equal(t, "p1", post.PostID)
	require.Equal(t, "2023-11-14T22:13:20.000Z", post.Date)
	require.Equal(t, "hello", *post.Text)
	require.Equal(t, "Jane", *post.PosterName)
	require.Equal(t, "77", *post.PosterID)
	require.Equal(t, []string{"https://cdn/a.jpg", "https://cdn/b.jpg"}, post.Images)

	_, ok = Finder{}.Assemble(mustDecode(t, `{"creation_time":1}`), 1)
	require.False(t, ok)
}

func TestAssembleOptionalFieldsAbsent(t *testing.T) {
	t.Parallel()

	doc := mustDecode(t, `{"metadata":{"story":{"url":"https://www.facebook.com/groups/g/posts/p/"}}}`)
	post, ok := Finder{}.Assemble(doc, 1000)
	require.True(t, ok)
	require.Nil(t, post.Text)
	require.Nil(t, post.PosterName)
	require.Nil(t, post.PosterID)
	require.Empty(t, post.Images)
	require.NotNil(t, post.Images)
}
