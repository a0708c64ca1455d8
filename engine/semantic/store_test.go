package semantic

import (
	"context"
	"errors"
	"testing"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
)

// --- Mocks ---

type mockPoints struct {
	upsertResp *pb.PointsOperationResponse
	upsertErr  error
	searchResp *pb.SearchResponse
	searchErr  error
	countResp  *pb.CountResponse
	countErr   error
}

func (m *mockPoints) Upsert(_ context.Context, _ *pb.UpsertPoints, _ ...grpc.CallOption) (*pb.PointsOperationResponse, error) {
	return m.upsertResp, m.upsertErr
}
func (m *mockPoints) Delete(_ context.Context, _ *pb.DeletePoints, _ ...grpc.CallOption) (*pb.PointsOperationResponse, error) {
	return nil, nil
}
func (m *mockPoints) Search(_ context.Context, _ *pb.SearchPoints, _ ...grpc.CallOption) (*pb.SearchResponse, error) {
	return m.searchResp, m.searchErr
}
func (m *mockPoints) Count(_ context.Context, _ *pb.CountPoints, _ ...grpc.CallOption) (*pb.CountResponse, error) {
	return m.countResp, m.countErr
}

type mockCollections struct {
	listResp   *pb.ListCollectionsResponse
	listErr    error
	createResp *pb.CollectionOperationResponse
	createErr  error
	deleteResp *pb.CollectionOperationResponse
	deleteErr  error
}

func (m *mockCollections) List(_ context.Context, _ *pb.ListCollectionsRequest, _ ...grpc.CallOption) (*pb.ListCollectionsResponse, error) {
	return m.listResp, m.listErr
}
func (m *mockCollections) Create(_ context.Context, _ *pb.CreateCollection, _ ...grpc.CallOption) (*pb.CollectionOperationResponse, error) {
	return m.createResp, m.createErr
}
func (m *mockCollections) Delete(_ context.Context, _ *pb.DeleteCollection, _ ...grpc.CallOption) (*pb.CollectionOperationResponse, error) {
	return m.deleteResp, m.deleteErr
}

// --- Tests ---

func TestNewWithClients(t *testing.T) {
	vs := NewWithClients(&mockPoints{}, &mockCollections{})
	if vs == nil {
		t.Fatal("expected non-nil")
	}
	if err := vs.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestCollectionName(t *testing.T) {
	if got := CollectionName(42); got != "course_42" {
		t.Fatalf("got %q, want course_42", got)
	}
}

func TestEnsureCollection_AlreadyExists(t *testing.T) {
	cols := &mockCollections{
		listResp: &pb.ListCollectionsResponse{
			Collections: []*pb.CollectionDescription{{Name: "course_1"}},
		},
	}
	vs := NewWithClients(&mockPoints{}, cols)
	if err := vs.EnsureCollection(context.Background(), "course_1", 4); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestEnsureCollection_Creates(t *testing.T) {
	cols := &mockCollections{
		listResp:   &pb.ListCollectionsResponse{Collections: []*pb.CollectionDescription{}},
		createResp: &pb.CollectionOperationResponse{Result: true},
	}
	vs := NewWithClients(&mockPoints{}, cols)
	if err := vs.EnsureCollection(context.Background(), "course_2", 128); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestEnsureCollection_OtherCollectionExists(t *testing.T) {
	cols := &mockCollections{
		listResp: &pb.ListCollectionsResponse{
			Collections: []*pb.CollectionDescription{{Name: "course_9"}},
		},
		createResp: &pb.CollectionOperationResponse{Result: true},
	}
	vs := NewWithClients(&mockPoints{}, cols)
	if err := vs.EnsureCollection(context.Background(), "course_2", 4); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestEnsureCollection_ListError(t *testing.T) {
	cols := &mockCollections{listErr: errors.New("rpc fail")}
	vs := NewWithClients(&mockPoints{}, cols)
	if err := vs.EnsureCollection(context.Background(), "course_1", 4); err == nil {
		t.Fatal("expected error")
	}
}

func TestEnsureCollection_CreateError(t *testing.T) {
	cols := &mockCollections{
		listResp:  &pb.ListCollectionsResponse{Collections: []*pb.CollectionDescription{}},
		createErr: errors.New("create fail"),
	}
	vs := NewWithClients(&mockPoints{}, cols)
	if err := vs.EnsureCollection(context.Background(), "course_1", 4); err == nil {
		t.Fatal("expected error")
	}
}

func TestDeleteCollection_Success(t *testing.T) {
	cols := &mockCollections{deleteResp: &pb.CollectionOperationResponse{Result: true}}
	vs := NewWithClients(&mockPoints{}, cols)
	if err := vs.DeleteCollection(context.Background(), "course_1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDeleteCollection_Error(t *testing.T) {
	cols := &mockCollections{deleteErr: errors.New("fail")}
	vs := NewWithClients(&mockPoints{}, cols)
	if err := vs.DeleteCollection(context.Background(), "course_1"); err == nil {
		t.Fatal("expected error")
	}
}

func TestAdd_Empty(t *testing.T) {
	vs := NewWithClients(&mockPoints{}, &mockCollections{})
	if err := vs.Add(context.Background(), "course_1", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAdd_Success(t *testing.T) {
	pts := &mockPoints{upsertResp: &pb.PointsOperationResponse{}}
	vs := NewWithClients(pts, &mockCollections{})

	records := []VectorRecord{
		{
			ID:        "id1",
			Embedding: []float32{1, 0, 0, 0},
			Payload: map[string]any{
				"content": "hello",
				"count":   42,
				"count64": int64(99),
				"score":   3.14,
				"active":  true,
				"other":   []int{1, 2}, // default case
			},
		},
	}
	if err := vs.Add(context.Background(), "course_1", records); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAdd_Error(t *testing.T) {
	pts := &mockPoints{upsertErr: errors.New("fail")}
	vs := NewWithClients(pts, &mockCollections{})

	records := []VectorRecord{{ID: "id1", Embedding: []float32{1, 0}}}
	if err := vs.Add(context.Background(), "course_1", records); err == nil {
		t.Fatal("expected error")
	}
}

func TestQuery_Success(t *testing.T) {
	pts := &mockPoints{
		searchResp: &pb.SearchResponse{
			Result: []*pb.ScoredPoint{
				{
					Id:    &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: "p1"}},
					Score: 0.95,
					Payload: map[string]*pb.Value{
						"content": {Kind: &pb.Value_StringValue{StringValue: "lecture notes"}},
						"title":   {Kind: &pb.Value_StringValue{StringValue: "lec1"}},
						"url":     {Kind: &pb.Value_StringValue{StringValue: "/lec1.pdf"}},
						"extra":   {Kind: &pb.Value_StringValue{StringValue: "val"}},
					},
				},
			},
		},
	}
	vs := NewWithClients(pts, &mockCollections{})
	results, err := vs.Query(context.Background(), "course_1", []float32{1, 0}, 5, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1, got %d", len(results))
	}
	if results[0].Content != "lecture notes" {
		t.Errorf("wrong content: %s", results[0].Content)
	}
	if results[0].Title != "lec1" {
		t.Errorf("wrong title: %s", results[0].Title)
	}
	if results[0].URL != "/lec1.pdf" {
		t.Errorf("wrong url: %s", results[0].URL)
	}
	if results[0].Meta["extra"] != "val" {
		t.Errorf("wrong meta: %v", results[0].Meta)
	}
	if results[0].ID != "p1" || results[0].Score != 0.95 {
		t.Error("wrong id/score")
	}
}

func TestQuery_Error(t *testing.T) {
	pts := &mockPoints{searchErr: errors.New("fail")}
	vs := NewWithClients(pts, &mockCollections{})
	_, err := vs.Query(context.Background(), "course_1", []float32{1}, 5, nil)
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestQuery_WithFilters(t *testing.T) {
	pts := &mockPoints{
		searchResp: &pb.SearchResponse{
			Result: []*pb.ScoredPoint{
				{Id: &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: "p1"}}, Score: 0.8, Payload: map[string]*pb.Value{}},
			},
		},
	}
	vs := NewWithClients(pts, &mockCollections{})
	results, err := vs.Query(context.Background(), "course_1", []float32{1}, 5, map[string]string{"title": "lec1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1, got %d", len(results))
	}
}

func TestQuery_EmptyResults(t *testing.T) {
	pts := &mockPoints{searchResp: &pb.SearchResponse{}}
	vs := NewWithClients(pts, &mockCollections{})
	results, err := vs.Query(context.Background(), "course_1", []float32{1}, 5, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected 0, got %d", len(results))
	}
}

func TestCount_Success(t *testing.T) {
	pts := &mockPoints{countResp: &pb.CountResponse{Result: &pb.CountResult{Count: 7}}}
	vs := NewWithClients(pts, &mockCollections{})
	n, err := vs.Count(context.Background(), "course_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 7 {
		t.Fatalf("expected 7, got %d", n)
	}
}

func TestCount_Error(t *testing.T) {
	pts := &mockPoints{countErr: errors.New("fail")}
	vs := NewWithClients(pts, &mockCollections{})
	if _, err := vs.Count(context.Background(), "course_1"); err == nil {
		t.Fatal("expected error")
	}
}

func TestFieldMatch(t *testing.T) {
	cond := fieldMatch("key", "value")
	fc := cond.GetField()
	if fc.Key != "key" {
		t.Fatalf("expected key, got %s", fc.Key)
	}
	if fc.Match.GetKeyword() != "value" {
		t.Fatalf("expected value, got %s", fc.Match.GetKeyword())
	}
}
