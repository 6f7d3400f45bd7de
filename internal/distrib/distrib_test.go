package distrib

import (
	"context"
	"io"
	"log/slog"
	"net"
	"reflect"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/danielpatrickdp/spine-driver/internal/batch"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// runRanks runs fn once per group concurrently and returns rank 0's result.
func runRanks(t *testing.T, groups []Group, fn func(Group) (batch.Result, error)) batch.Result {
	t.Helper()
	results := make([]batch.Result, len(groups))
	errs := make([]error, len(groups))
	var wg sync.WaitGroup
	for i, g := range groups {
		wg.Add(1)
		go func(i int, g Group) {
			defer wg.Done()
			results[i], errs[i] = fn(g)
		}(i, g)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: %v", i, err)
		}
	}
	for i := 1; i < len(results); i++ {
		if results[i] != nil {
			t.Errorf("rank %d received a merged result", i)
		}
	}
	return results[0]
}

// ramp returns an array of n values offset by the rank, none of them
// representable in fewer than eight bytes.
func ramp(rank, n int) batch.Array {
	data := make([]float64, n)
	for i := range data {
		data[i] = float64(rank*n+i) / 7
	}
	return batch.Array{Shape: []int{n}, Data: data}
}

func withTimeout(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// #region aggregate-tests
func TestAggregate_MeanSumConcat(t *testing.T) {
	ctx := withTimeout(t)
	groups := NewLocalGroups(4)
	merged := runRanks(t, groups, func(g Group) (batch.Result, error) {
		v := float64(g.Rank() + 1)
		return Aggregate(ctx, g, batch.Result{
			"loss":         batch.Scalar(v),
			"sample_count": batch.Scalar(v),
			"energy":       batch.Array{Shape: []int{1}, Data: []float64{v}},
			"run_names":    batch.Strings{string(rune('a' + g.Rank()))},
		})
	})
	if merged["loss"] != batch.Scalar(2.5) {
		t.Errorf("loss = %v, want 2.5", merged["loss"])
	}
	if merged["sample_count"] != batch.Scalar(10) {
		t.Errorf("sample_count = %v, want 10", merged["sample_count"])
	}
	want := batch.Array{Shape: []int{4}, Data: []float64{1, 2, 3, 4}}
	if !reflect.DeepEqual(merged["energy"], want) {
		t.Errorf("energy = %v, want %v", merged["energy"], want)
	}
	if !reflect.DeepEqual(merged["run_names"], batch.Strings{"a", "b", "c", "d"}) {
		t.Errorf("run_names = %v", merged["run_names"])
	}
}

func TestAggregate_LargeArrays(t *testing.T) {
	const n = 200000
	ctx := withTimeout(t)
	merged := runRanks(t, NewLocalGroups(2), func(g Group) (batch.Result, error) {
		return Aggregate(ctx, g, batch.Result{"segmentation": ramp(g.Rank(), n)})
	})
	got := merged["segmentation"].(batch.Array)
	if !reflect.DeepEqual(got.Shape, []int{2 * n}) {
		t.Fatalf("shape = %v, want [%d]", got.Shape, 2*n)
	}
	if got.Data[2*n-1] != float64(2*n-1)/7 {
		t.Errorf("last element = %v", got.Data[2*n-1])
	}
}

func TestMerge_ArraysConcatenateOnFirstAxis(t *testing.T) {
	merged, err := Merge([]batch.Result{
		{"x": batch.Array{Shape: []int{1}, Data: []float64{1}}},
		{"x": batch.Array{Shape: []int{1}, Data: []float64{2}}},
		{"x": batch.Array{Shape: []int{1}, Data: []float64{3}}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := merged["x"].(batch.Array); !reflect.DeepEqual(got.Data, []float64{1, 2, 3}) || got.Shape[0] != 3 {
		t.Errorf("x = %+v", got)
	}
}

func TestMerge_ListsExtendInRankOrder(t *testing.T) {
	merged, err := Merge([]batch.Result{
		{"entries": batch.List{batch.Scalar(1), batch.Scalar(2)}},
		{"entries": batch.List{batch.Scalar(3)}},
	})
	if err != nil {
		t.Fatal(err)
	}
	want := batch.List{batch.Scalar(1), batch.Scalar(2), batch.Scalar(3)}
	if !reflect.DeepEqual(merged["entries"], want) {
		t.Errorf("entries = %v", merged["entries"])
	}
}

func TestMerge_Errors(t *testing.T) {
	cases := map[string][]batch.Result{
		"missing key":    {{"a": batch.Scalar(1)}, {}},
		"extra key":      {{"a": batch.Scalar(1)}, {"a": batch.Scalar(1), "b": batch.Scalar(2)}},
		"kind mismatch":  {{"a": batch.Scalar(1)}, {"a": batch.Strings{"x"}}},
		"shape mismatch": {{"a": batch.Array{Shape: []int{1, 2}, Data: []float64{1, 2}}}, {"a": batch.Array{Shape: []int{1, 3}, Data: []float64{1, 2, 3}}}},
		"flat batch":     {{"a": batch.FlatBatch{}}},
	}
	for name, perRank := range cases {
		if _, err := Merge(perRank); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

// #endregion aggregate-tests

// #region group-tests
func TestLocalGroups_BarrierWaitsForAll(t *testing.T) {
	ctx := withTimeout(t)
	groups := NewLocalGroups(3)
	var mu sync.Mutex
	arrived := 0
	runRanks(t, groups, func(g Group) (batch.Result, error) {
		mu.Lock()
		arrived++
		mu.Unlock()
		if err := g.Barrier(ctx); err != nil {
			return nil, err
		}
		mu.Lock()
		defer mu.Unlock()
		if arrived != 3 {
			t.Errorf("rank %d passed the barrier with %d arrivals", g.Rank(), arrived)
		}
		return nil, nil
	})
}

func TestLocalGroups_RoundsMatchBySequence(t *testing.T) {
	ctx := withTimeout(t)
	groups := NewLocalGroups(2)
	var got [][][]byte
	runRanks(t, groups, func(g Group) (batch.Result, error) {
		for i := 0; i < 3; i++ {
			parts, err := g.Gather(ctx, []byte{byte(g.Rank()*10 + i)})
			if err != nil {
				return nil, err
			}
			if g.Rank() == 0 {
				got = append(got, parts)
			}
		}
		return nil, nil
	})
	for i, parts := range got {
		if parts[0][0] != byte(i) || parts[1][0] != byte(10+i) {
			t.Errorf("round %d = %v", i, parts)
		}
	}
}

func TestSingle(t *testing.T) {
	g := Single()
	merged, err := Aggregate(context.Background(), g, batch.Result{"loss": batch.Scalar(3)})
	if err != nil {
		t.Fatal(err)
	}
	if merged["loss"] != batch.Scalar(3) {
		t.Errorf("loss = %v", merged["loss"])
	}
}

func TestGRPC_CoordinatorAndRemoteRanks(t *testing.T) {
	ctx := withTimeout(t)
	lis := bufconn.Listen(1 << 20)
	coord := ServeCoordinator(lis, 3, 64<<20, discard)
	defer coord.Close()

	dialer := grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})
	groups := []Group{coord}
	for rank := 1; rank < 3; rank++ {
		g, err := DialGroup("passthrough:///bufnet", rank, 3, 64<<20, dialer)
		if err != nil {
			t.Fatalf("dial rank %d: %v", rank, err)
		}
		defer g.Close()
		groups = append(groups, g)
	}

	merged := runRanks(t, groups, func(g Group) (batch.Result, error) {
		if err := g.Barrier(ctx); err != nil {
			return nil, err
		}
		return Aggregate(ctx, g, batch.Result{
			"accuracy": batch.Scalar(float64(g.Rank())),
			"entries":  batch.List{batch.Scalar(float64(g.Rank()))},
		})
	})
	if merged["accuracy"] != batch.Scalar(1) {
		t.Errorf("accuracy = %v, want 1", merged["accuracy"])
	}
	want := batch.List{batch.Scalar(0), batch.Scalar(1), batch.Scalar(2)}
	if !reflect.DeepEqual(merged["entries"], want) {
		t.Errorf("entries = %v, want %v", merged["entries"], want)
	}
}

func TestGRPC_GatherBeyondDefaultMessageSize(t *testing.T) {
	// 750k doubles encode to about 6.75 MB per rank.
	const n = 750000
	ctx := withTimeout(t)
	lis := bufconn.Listen(1 << 20)
	coord := ServeCoordinator(lis, 2, 64<<20, discard)
	defer coord.Close()

	g, err := DialGroup("passthrough:///bufnet", 1, 2, 64<<20, grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	if err != nil {
		t.Fatal(err)
	}
	defer g.Close()

	merged := runRanks(t, []Group{coord, g}, func(g Group) (batch.Result, error) {
		return Aggregate(ctx, g, batch.Result{"segmentation": ramp(g.Rank(), n)})
	})
	got := merged["segmentation"].(batch.Array)
	if len(got.Data) != 2*n {
		t.Fatalf("gathered %d elements, want %d", len(got.Data), 2*n)
	}
	if !reflect.DeepEqual(got.Data[n:], ramp(1, n).Data) {
		t.Error("rank 1 values differ after the gather")
	}
}

func TestDialGroup_RejectsRankZero(t *testing.T) {
	if _, err := DialGroup("localhost:0", 0, 2, 64<<20); err == nil {
		t.Fatal("expected error for rank 0")
	}
}

// #endregion group-tests
