package pool

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"factbot/pkg/logx"
)

func TestParseFormats(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		data string
		opts ParseOptions
		want []string
	}{
		{
			name: "marker separator drops preamble",
			data: "Факт - Первый.\n\nФакт - Второй.\nФакт - Первый.",
			opts: ParseOptions{Format: FormatText, Separator: "Факт -"},
			want: []string{"Первый.", "Второй."},
		},
		{
			name: "blank lines",
			data: "\xef\xbb\xbfalpha\nstill alpha\r\n\r\n  \nbeta\n",
			opts: ParseOptions{},
			want: []string{"alpha\nstill alpha", "beta"},
		},
		{
			name: "lines",
			data: "one\n\n two \none\n",
			opts: ParseOptions{Format: FormatLines},
			want: []string{"one", "two"},
		},
		{
			name: "csv by header",
			data: "id,fact\n1,\"Water, boiling\"\n2,Ice\n",
			opts: ParseOptions{Format: FormatCSV, CSVColumn: "fact"},
			want: []string{"Water, boiling", "Ice"},
		},
		{
			name: "csv by index",
			data: "x,first\ny,second\n",
			opts: ParseOptions{Format: FormatCSV, CSVColumn: "1"},
			want: []string{"first", "second"},
		},
		{
			name: "json",
			data: `["a", " ", "b"]`,
			opts: ParseOptions{Format: FormatJSON},
			want: []string{"a", "b"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Parse([]byte(tc.data), tc.opts)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("Parse = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestParseErrors(t *testing.T) {
	t.Parallel()
	if _, err := Parse([]byte("a,b\n"), ParseOptions{Format: FormatCSV, CSVColumn: "missing"}); err == nil {
		t.Fatalf("missing csv column accepted")
	}
	if _, err := Parse([]byte("{"), ParseOptions{Format: FormatJSON}); err == nil {
		t.Fatalf("bad json accepted")
	}
	if _, err := Parse(nil, ParseOptions{Format: "xml"}); err == nil {
		t.Fatalf("unknown format accepted")
	}
}

func TestPoolLoadMissingFile(t *testing.T) {
	t.Parallel()
	p := New(FileSource{Path: filepath.Join(t.TempDir(), "nope.txt")}, ParseOptions{}, logx.Nop())
	_, err := p.Load(context.Background())
	var le *LoadError
	if !errors.As(err, &le) || !errors.Is(err, ErrLoad) || !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Load err = %v, want LoadError wrapping ErrNotExist", err)
	}
}

func TestPoolLoadEmptyFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "facts.txt")
	if err := os.WriteFile(path, []byte("\n  \n\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := New(FileSource{Path: path}, ParseOptions{}, logx.Nop()).Load(context.Background())
	if !errors.Is(err, ErrEmpty) || !errors.Is(err, ErrLoad) {
		t.Fatalf("Load err = %v, want ErrEmpty", err)
	}
}

func TestPoolReloadsOnChangeAndKeepsCacheOnFailure(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "facts.txt")
	write := func(s string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(s), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	write("A\n\nB")
	p := New(FileSource{Path: path}, ParseOptions{}, logx.Nop())
	ctx := context.Background()

	got, err := p.Load(ctx)
	if err != nil || len(got) != 2 {
		t.Fatalf("Load = %v, %v", got, err)
	}
	got[0] = "mutated"

	write("A\n\nB\n\nC")
	got, err = p.Load(ctx)
	if err != nil || !reflect.DeepEqual(got, []string{"A", "B", "C"}) {
		t.Fatalf("Load after change = %v, %v", got, err)
	}

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Load(ctx); err == nil {
		t.Fatalf("Load after removal err = nil")
	}
	if !reflect.DeepEqual(p.items, []string{"A", "B", "C"}) {
		t.Fatalf("cache changed by failed load: %v", p.items)
	}
}

type fakeS3 struct {
	etag  string
	body  string
	gets  int
	heads int
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.heads++
	if aws.ToString(in.Key) != "facts.txt" {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.HeadObjectOutput{ETag: aws.String(`"` + f.etag + `"`)}, nil
}

func (f *fakeS3) GetObject(_ context.Context, _ *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.gets++
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader([]byte(f.body)))}, nil
}

func TestS3SourceUsesETagCache(t *testing.T) {
	t.Parallel()
	fake := &fakeS3{etag: "v1", body: "one\ntwo"}
	p := New(NewS3SourceWithClient(fake, "bucket", "facts.txt"), ParseOptions{Format: FormatLines}, logx.Nop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := p.Load(ctx); err != nil {
			t.Fatalf("Load: %v", err)
		}
	}
	if fake.gets != 1 || fake.heads != 3 {
		t.Fatalf("gets=%d heads=%d, want 1/3", fake.gets, fake.heads)
	}

	fake.etag, fake.body = "v2", "three"
	got, err := p.Load(ctx)
	if err != nil || !reflect.DeepEqual(got, []string{"three"}) {
		t.Fatalf("Load after etag change = %v, %v", got, err)
	}
}

func TestS3SourceMissingKey(t *testing.T) {
	t.Parallel()
	p := New(NewS3SourceWithClient(&fakeS3{}, "bucket", "other.txt"), ParseOptions{}, logx.Nop())
	if _, err := p.Load(context.Background()); !errors.Is(err, ErrLoad) {
		t.Fatalf("Load err = %v, want ErrLoad", err)
	}
}
