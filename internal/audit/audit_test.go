package audit

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/szaher/agentgraph/internal/graph"
	"github.com/szaher/agentgraph/internal/inference"
)

func auditedNode(output string) graph.Node {
	return graph.Node{
		ID:       "n1",
		Type:     graph.TypeScout,
		Position: &graph.Position{},
		Data: graph.NodeData{
			Input:      "describe the sky",
			Output:     output,
			Confidence: 77,
			Status:     graph.ExecComplete,
		},
	}
}

func TestParseJudgment(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		want    Judgment
		wantErr bool
	}{
		{
			name: "plain",
			text: `{"isHallucination": true, "confidence": 88, "explanation": "made up", "suggestedFix": "remove it"}`,
			want: Judgment{IsHallucination: true, Confidence: 88, Explanation: "made up", SuggestedFix: "remove it"},
		},
		{
			name: "fenced with prose",
			text: "Here is my review:\n```json\n{\"isHallucination\": false, \"confidence\": 12.6, \"explanation\": \"ok\"}\n```\nThanks",
			want: Judgment{Confidence: 13, Explanation: "ok"},
		},
		{
			name: "clamped",
			text: `{"isHallucination": false, "confidence": 180, "explanation": ""}`,
			want: Judgment{Confidence: 100},
		},
		{name: "no json", text: "I think it is fine.", wantErr: true},
		{name: "truncated", text: `{"isHallucination": true, "confid`, wantErr: true},
		{name: "missing verdict", text: `{"confidence": 50}`, wantErr: true},
		{name: "missing confidence", text: `{"isHallucination": true}`, wantErr: true},
		{name: "wrong type", text: `{"isHallucination": "yes", "confidence": 50}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseJudgment(tt.text)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFlagPolicy(t *testing.T) {
	p := MustFlagPolicy("")
	assert.Equal(t, DefaultFlagRule, p.Source())

	for _, tc := range []struct {
		j    Judgment
		want bool
	}{
		{Judgment{IsHallucination: true, Confidence: 60}, true},
		{Judgment{IsHallucination: true, Confidence: 59}, false},
		{Judgment{IsHallucination: false, Confidence: 99}, false},
	} {
		got, err := p.Flagged(tc.j)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "%+v", tc.j)
	}

	custom, err := NewFlagPolicy(`hasFix || confidence > 90`)
	require.NoError(t, err)
	got, err := custom.Flagged(Judgment{SuggestedFix: "x"})
	require.NoError(t, err)
	assert.True(t, got)

	_, err = NewFlagPolicy("confidence + 1")
	require.Error(t, err, "non-bool rule rejected at compile time")
	_, err = NewFlagPolicy("unknownVar > 1")
	require.Error(t, err)
}

func TestAuditRejectsEmptyOutputWithoutCallingCritic(t *testing.T) {
	fake := &inference.Fake{CritiqueText: `{"isHallucination": true, "confidence": 90}`}
	e := NewEngine(fake)

	for _, out := range []string{"", "   \n"} {
		_, err := e.Audit(context.Background(), "s1", auditedNode(out), "")
		require.ErrorIs(t, err, ErrNoOutput)
	}
	assert.Equal(t, 0, fake.CritiqueCalls())

	recs, err := e.Records(context.Background(), "s1")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestAuditRecordsJudgment(t *testing.T) {
	fake := &inference.Fake{CritiqueText: `{"isHallucination": true, "confidence": 91, "explanation": "the sky is not green"}`}
	log := NewMemoryLog()
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	e := NewEngine(fake, WithRecordLog(log), WithClock(func() time.Time { return now }))

	node := auditedNode("the sky is green")
	before := node
	j, err := e.Audit(context.Background(), "s1", node, "describe the sky")
	require.NoError(t, err)
	assert.True(t, j.IsHallucination)
	assert.Equal(t, 91, j.Confidence)
	assert.False(t, j.Degraded)
	assert.Equal(t, before, node)

	recs, err := e.Records(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Flagged)
	assert.Equal(t, "n1", recs[0].NodeID)
	assert.Equal(t, graph.TypeScout, recs[0].NodeType)
	assert.Equal(t, now, recs[0].CreatedAt)
	assert.Len(t, recs[0].ID, 26)
}

func TestAuditDegrades(t *testing.T) {
	tests := []struct {
		name string
		fake *inference.Fake
	}{
		{"unparseable", &inference.Fake{CritiqueText: "Looks fine to me!"}},
		{"capability error", &inference.Fake{CritiqueErr: errors.New("rate limited")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEngine(tt.fake)
			j, err := e.Audit(context.Background(), "s1", auditedNode("output"), "")
			require.NoError(t, err)
			assert.False(t, j.IsHallucination)
			assert.Equal(t, NeutralConfidence, j.Confidence)
			assert.True(t, j.Degraded)
			assert.True(t, strings.HasPrefix(j.Explanation, "audit degraded"))

			recs, _ := e.Records(context.Background(), "s1")
			require.Len(t, recs, 1)
			assert.False(t, recs[0].Flagged)
		})
	}
}

type failingLog struct{}

func (failingLog) Append(context.Context, Record) error { return errors.New("bucket gone") }
func (failingLog) List(context.Context, string) ([]Record, error) { return nil, nil }

func TestAuditIgnoresRecordLogFailure(t *testing.T) {
	fake := &inference.Fake{CritiqueText: `{"isHallucination": false, "confidence": 10, "explanation": "fine"}`}
	e := NewEngine(fake, WithRecordLog(failingLog{}))
	j, err := e.Audit(context.Background(), "s1", auditedNode("output"), "")
	require.NoError(t, err)
	assert.Equal(t, "fine", j.Explanation)
}

// fakeS3 stores objects in memory and pages listings two keys at a time.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	bucketPrefix := aws.ToString(in.Bucket) + "/"
	var keys []string
	for k := range f.objects {
		key := strings.TrimPrefix(k, bucketPrefix)
		if strings.HasPrefix(k, bucketPrefix) && strings.HasPrefix(key, aws.ToString(in.Prefix)) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	start := 0
	if in.ContinuationToken != nil {
		for i, k := range keys {
			if k == aws.ToString(in.ContinuationToken) {
				start = i
			}
		}
	}
	end := start + 2
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	if end < len(keys) {
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(keys[end])
	} else {
		end = len(keys)
	}
	for _, k := range keys[start:end] {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func TestS3Log(t *testing.T) {
	ctx := context.Background()
	client := &fakeS3{objects: make(map[string][]byte)}
	log := NewS3Log(client, "audits", "/agentgraph/")

	fake := &inference.Fake{CritiqueText: `{"isHallucination": true, "confidence": 70, "explanation": "x"}`}
	e := NewEngine(fake, WithRecordLog(log))
	for i := 0; i < 5; i++ {
		_, err := e.Audit(ctx, "s1", auditedNode("out"), "")
		require.NoError(t, err)
	}
	_, err := e.Audit(ctx, "s2", auditedNode("out"), "")
	require.NoError(t, err)

	recs, err := log.List(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, recs, 5)
	for i := 1; i < len(recs); i++ {
		assert.Less(t, recs[i-1].ID, recs[i].ID)
	}
	assert.True(t, recs[0].Flagged)

	for k := range client.objects {
		assert.True(t, strings.HasPrefix(k, "audits/agentgraph/s"), k)
		assert.True(t, strings.HasSuffix(k, ".json"), k)
	}
}
