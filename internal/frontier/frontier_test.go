package frontier

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/edarchive/internal/crawler"
)

func onSite(host string) func(string) bool {
	return func(raw string) bool {
		return crawler.Hostname(raw) == host
	}
}

func TestFrontier_DepthOneScenario(t *testing.T) {
	t.Parallel()

	f := New(Config{MaxDepth: 1, InScope: onSite("example.org")})
	require.Equal(t, Enqueued, f.Seed("https://example.org/"))

	seed, ok := f.Next(context.Background())
	require.True(t, ok)
	require.Equal(t, 0, seed.Depth)

	links := []string{"https://example.org/a", "https://example.org/b", "https://other.net/c"}
	for _, link := range links {
		f.Enqueue(crawler.CrawlTask{URL: link, Depth: seed.Depth + 1, DiscoveredFrom: seed.URL})
	}
	f.Done(seed)

	var got []string
	for {
		task, ok := f.Next(context.Background())
		if !ok {
			break
		}
		got = append(got, task.URL)
		// Links found at depth 1 exceed the cap.
		require.Equal(t, DroppedDepth, f.Enqueue(crawler.CrawlTask{URL: task.URL + "/deeper", Depth: task.Depth + 1}))
		f.Done(task)
	}
	require.Equal(t, []string{"https://example.org/a", "https://example.org/b"}, got)
	stats := f.Stats()
	require.Equal(t, 3, stats.Enqueued)
	require.Equal(t, 1, stats.DroppedScope)
	require.Equal(t, 2, stats.DroppedDepth)
}

func TestFrontier_DedupByNormalizedURL(t *testing.T) {
	t.Parallel()

	f := New(Config{MaxDepth: -1})
	require.Equal(t, Enqueued, f.Enqueue(crawler.CrawlTask{URL: "http://site.org/a/?x=2&y=1"}))
	require.Equal(t, Duplicate, f.Enqueue(crawler.CrawlTask{URL: "http://site.org/a?y=1&x=2"}))
	require.Equal(t, Duplicate, f.Enqueue(crawler.CrawlTask{URL: "HTTP://SITE.org:80/a/?y=1&x=2#frag"}))
	require.Equal(t, Invalid, f.Enqueue(crawler.CrawlTask{URL: "mailto:a@b.c"}))
	require.Equal(t, 1, f.Len())

	task, ok := f.Next(context.Background())
	require.True(t, ok)
	require.Equal(t, "http://site.org/a?x=2&y=1", task.Key)
	require.Equal(t, "http://site.org/a/?x=2&y=1", task.URL, "the discovered form is kept for fetching")
	f.Done(task)

	// Still seen after completion: no URL is fetched twice in a run.
	require.Equal(t, Duplicate, f.Enqueue(crawler.CrawlTask{URL: "http://site.org/a?x=2&y=1#top"}))
	// A different query is a different page.
	require.Equal(t, Enqueued, f.Enqueue(crawler.CrawlTask{URL: "http://site.org/a"}))
	require.Equal(t, 3, f.Stats().Duplicates)
}

func TestFrontier_SemicolonQueriesStayDistinct(t *testing.T) {
	t.Parallel()

	f := New(Config{MaxDepth: -1})
	require.Equal(t, Enqueued, f.Enqueue(crawler.CrawlTask{URL: "http://site.org/p?id=1;v=2"}))
	require.Equal(t, Enqueued, f.Enqueue(crawler.CrawlTask{URL: "http://site.org/p?id=7;v=9"}))
	require.Equal(t, Enqueued, f.Enqueue(crawler.CrawlTask{URL: "http://site.org/p"}))
	require.Equal(t, Duplicate, f.Enqueue(crawler.CrawlTask{URL: "http://site.org/p?id=1;v=2#x"}))
	require.Equal(t, 3, f.Len())
}

func TestFrontier_SeenURLPastDepthIsDuplicate(t *testing.T) {
	t.Parallel()

	f := New(Config{MaxDepth: 1, InScope: onSite("example.org")})
	require.Equal(t, Enqueued, f.Seed("https://example.org/"))
	require.Equal(t, Enqueued, f.Enqueue(crawler.CrawlTask{URL: "https://example.org/a", Depth: 1}))

	// /a links back to the seed and to itself one level past the cap.
	require.Equal(t, Duplicate, f.Enqueue(crawler.CrawlTask{URL: "https://example.org/", Depth: 2}))
	require.Equal(t, Duplicate, f.Enqueue(crawler.CrawlTask{URL: "https://example.org/a", Depth: 2}))
	require.Equal(t, DroppedDepth, f.Enqueue(crawler.CrawlTask{URL: "https://example.org/new", Depth: 2}))

	stats := f.Stats()
	require.Equal(t, 2, stats.Duplicates)
	require.Equal(t, 1, stats.DroppedDepth)
}

func TestFrontier_FIFOOrder(t *testing.T) {
	t.Parallel()

	f := New(Config{MaxDepth: -1})
	for _, p := range []string{"1", "2", "3", "4"} {
		f.Enqueue(crawler.CrawlTask{URL: "https://example.org/" + p})
	}
	var order []string
	for {
		task, ok := f.Next(context.Background())
		if !ok {
			break
		}
		order = append(order, strings.TrimPrefix(task.URL, "https://example.org/"))
		f.Done(task)
	}
	require.Equal(t, []string{"1", "2", "3", "4"}, order)
}

func TestFrontier_PageBudget(t *testing.T) {
	t.Parallel()

	f := New(Config{MaxDepth: -1, MaxPages: 2})
	require.Equal(t, Enqueued, f.Seed("https://example.org/"))
	require.Equal(t, Enqueued, f.Enqueue(crawler.CrawlTask{URL: "https://example.org/a", Depth: 1}))
	require.Equal(t, DroppedBudget, f.Enqueue(crawler.CrawlTask{URL: "https://example.org/b", Depth: 1}))
	require.Equal(t, 1, f.Stats().DroppedBudget)
}

func TestFrontier_ClaimSharesSeenSet(t *testing.T) {
	t.Parallel()

	f := New(Config{MaxDepth: -1})
	require.True(t, f.Claim("https://example.org/data.csv"))
	require.False(t, f.Claim("https://EXAMPLE.org/data.csv"))
	require.True(t, f.Seen("https://example.org/data.csv"))
	require.Equal(t, Duplicate, f.Enqueue(crawler.CrawlTask{URL: "https://example.org/data.csv"}))
	require.False(t, f.Claim("::bad"))
}

func TestFrontier_NextWaitsForInflightWork(t *testing.T) {
	t.Parallel()

	f := New(Config{MaxDepth: -1})
	f.Seed("https://example.org/")
	first, ok := f.Next(context.Background())
	require.True(t, ok)

	result := make(chan crawler.CrawlTask, 1)
	go func() {
		task, ok := f.Next(context.Background())
		if ok {
			result <- task
		}
		close(result)
	}()

	// The second worker must block: the queue is empty but work is in flight.
	select {
	case <-result:
		t.Fatal("Next returned while a task was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	f.Enqueue(crawler.CrawlTask{URL: "https://example.org/child", Depth: 1})
	f.Done(first)

	select {
	case task := <-result:
		require.Equal(t, "https://example.org/child", task.URL)
	case <-time.After(time.Second):
		t.Fatal("Next did not wake for new work")
	}
}

func TestFrontier_TerminatesWhenDrained(t *testing.T) {
	t.Parallel()

	f := New(Config{MaxDepth: -1})
	f.Seed("https://example.org/")
	task, ok := f.Next(context.Background())
	require.True(t, ok)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok := f.Next(context.Background())
			assert.False(t, ok)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	f.Done(task)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiters were not released after the frontier drained")
	}
}

func TestFrontier_NextHonorsCancellation(t *testing.T) {
	t.Parallel()

	f := New(Config{MaxDepth: -1})
	f.Seed("https://example.org/")
	_, ok := f.Next(context.Background())
	require.True(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool, 1)
	go func() {
		_, ok := f.Next(ctx)
		done <- ok
	}()
	cancel()
	select {
	case ok := <-done:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Next ignored context cancellation")
	}
}

func TestFrontier_Close(t *testing.T) {
	t.Parallel()

	f := New(Config{MaxDepth: -1})
	f.Seed("https://example.org/")
	f.Close()
	_, ok := f.Next(context.Background())
	require.False(t, ok)
}

func TestAdmissionString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "dropped_scope", DroppedScope.String())
	require.Equal(t, "enqueued", Enqueued.String())
}
