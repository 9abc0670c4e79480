package topology

import (
	"fmt"
	"math/rand"
	"reflect"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/downtoearthtw/proxy-aggregator/internal/node"
)

func desc(addr string, port int, secret string, priority int, name string) node.Descriptor {
	return node.Descriptor{
		Protocol: node.ProtocolVLESS,
		Address:  addr,
		Port:     port,
		Secret:   secret,
		Name:     name,
		Priority: priority,
	}
}

func TestPool_LowerPriorityValueReplaces(t *testing.T) {
	pool := NewDescriptorPool()
	a := desc("a.example.com", 443, "U", 10, "A")
	b := desc("a.example.com", 443, "U", 1, "B")

	if !pool.Add(a) {
		t.Fatal("first descriptor should be stored")
	}
	if !pool.Add(b) {
		t.Fatal("higher-precedence duplicate should replace")
	}
	if pool.Size() != 1 {
		t.Fatalf("expected 1 descriptor, got %d", pool.Size())
	}
	got, ok := pool.Get(a.Fingerprint())
	if !ok || got.Name != "B" || got.Priority != 1 {
		t.Fatalf("expected B to win, got %+v", got)
	}
}

func TestPool_HigherPriorityValueDoesNotReplace(t *testing.T) {
	pool := NewDescriptorPool()
	pool.Add(desc("a.example.com", 443, "U", 1, "B"))
	if pool.Add(desc("a.example.com", 443, "U", 10, "A")) {
		t.Fatal("lower-precedence duplicate must not replace")
	}
	got, _ := pool.Get(desc("a.example.com", 443, "U", 0, "").Fingerprint())
	if got.Name != "B" {
		t.Fatalf("expected B to remain, got %+v", got)
	}
}

func TestPool_EqualPriorityKeepsFirstSeen(t *testing.T) {
	pool := NewDescriptorPool()
	pool.Add(desc("a.example.com", 443, "U", 5, "first"))
	if pool.Add(desc("a.example.com", 443, "U", 5, "second")) {
		t.Fatal("equal-priority duplicate must not replace")
	}
	got, _ := pool.Get(desc("a.example.com", 443, "U", 5, "").Fingerprint())
	if got.Name != "first" {
		t.Fatalf("expected first-seen to remain, got %+v", got)
	}
}

func TestPool_DropsMissingEndpoint(t *testing.T) {
	pool := NewDescriptorPool()
	if pool.Add(desc("", 443, "U", 1, "")) {
		t.Fatal("empty address must be dropped")
	}
	if pool.Add(desc("a.example.com", 0, "U", 1, "")) {
		t.Fatal("zero port must be dropped")
	}
	if pool.Size() != 0 {
		t.Fatalf("expected empty pool, got %d", pool.Size())
	}
}

func TestMerge_SortsByPriorityThenAddress(t *testing.T) {
	got := Merge(
		[]node.Descriptor{desc("z.example.com", 443, "1", 2, ""), desc("b.example.com", 443, "2", 2, "")},
		[]node.Descriptor{desc("y.example.com", 443, "3", 0, ""), desc("a.example.com", 443, "4", 99, "")},
	)
	var addrs []string
	for _, d := range got {
		addrs = append(addrs, fmt.Sprintf("%d/%s", d.Priority, d.Address))
	}
	want := []string{"0/y.example.com", "2/b.example.com", "2/z.example.com", "99/a.example.com"}
	if !reflect.DeepEqual(addrs, want) {
		t.Fatalf("order = %v, want %v", addrs, want)
	}
}

func TestMerge_CrossSourceDuplicate(t *testing.T) {
	src1 := []node.Descriptor{desc("h", 443, "U", 10, "A")}
	src2 := []node.Descriptor{desc("h", 443, "U", 1, "B")}

	for _, order := range [][][]node.Descriptor{{src1, src2}, {src2, src1}} {
		got := Merge(order...)
		if len(got) != 1 || got[0].Name != "B" || got[0].Priority != 1 {
			t.Fatalf("expected single B descriptor, got %+v", got)
		}
	}
}

func TestPool_ConcurrentAddKeepsBestPriority(t *testing.T) {
	pool := NewDescriptorPool()
	var wg sync.WaitGroup
	for p := 50; p >= 0; p-- {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			pool.Add(desc("c.example.com", 443, "U", p, fmt.Sprint(p)))
		}(p)
	}
	wg.Wait()
	got, _ := pool.Get(desc("c.example.com", 443, "U", 0, "").Fingerprint())
	if got.Priority != 0 {
		t.Fatalf("expected priority 0 to win, got %d", got.Priority)
	}
}

// genStreams builds descriptor streams whose duplicates differ only by
// priority, so the merge result is fully determined by the input set.
func genStreams(seed int64, nStreams, nNodes int) [][]node.Descriptor {
	rng := rand.New(rand.NewSource(seed))
	streams := make([][]node.Descriptor, nStreams)
	for i := range streams {
		prio := rng.Intn(5)
		for j := 0; j < nNodes; j++ {
			id := rng.Intn(nNodes * 2)
			streams[i] = append(streams[i], desc(fmt.Sprintf("h%d.example.com", id%7), 443+id%3, fmt.Sprint(id), prio, fmt.Sprintf("p%d", prio)))
		}
	}
	return streams
}

func TestMerge_DeterministicUnderArrivalOrder(t *testing.T) {
	properties := gopter.NewProperties(nil)
	properties.Property("merge output does not depend on stream order", prop.ForAll(
		func(seed int64, nStreams, nNodes int) bool {
			streams := genStreams(seed, nStreams, nNodes)
			want := Merge(streams...)

			shuffled := append([][]node.Descriptor(nil), streams...)
			rand.New(rand.NewSource(seed+1)).Shuffle(len(shuffled), func(i, j int) {
				shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
			})
			return reflect.DeepEqual(want, Merge(shuffled...))
		},
		gen.Int64(),
		gen.IntRange(1, 6),
		gen.IntRange(0, 20),
	))
	properties.Property("merge keeps one descriptor per fingerprint", prop.ForAll(
		func(seed int64, nStreams, nNodes int) bool {
			seen := map[node.Fingerprint]bool{}
			for _, d := range Merge(genStreams(seed, nStreams, nNodes)...) {
				if seen[d.Fingerprint()] {
					return false
				}
				seen[d.Fingerprint()] = true
			}
			return true
		},
		gen.Int64(),
		gen.IntRange(1, 6),
		gen.IntRange(0, 20),
	))
	properties.TestingRun(t)
}
