package cli

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Smalls1652/localllm-chat/internal/config"
	"github.com/Smalls1652/localllm-chat/internal/daemon/daemontest"
	"github.com/Smalls1652/localllm-chat/internal/engine"
	"github.com/Smalls1652/localllm-chat/internal/resource"
)

func TestSelectGroups(t *testing.T) {
	known := []string{"localllm", "compose"}
	cases := []struct {
		name    string
		only    []string
		want    []string
		wantErr bool
	}{
		{name: "all", want: known},
		{name: "subset keeps order given", only: []string{"compose", "localllm"}, want: []string{"compose", "localllm"}},
		{name: "unknown", only: []string{"nope"}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := selectGroups(known, tc.only)
			if tc.wantErr {
				if !errors.Is(err, engine.ErrUnknownGroup) {
					t.Fatalf("expected ErrUnknownGroup, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("got %v, want %v", got, tc.want)
				}
			}
		})
	}
}

func TestPurgeGroups_DefaultGroupLeftovers(t *testing.T) {
	groups, err := config.DefaultGroups(config.Config{DataDir: t.TempDir()}, config.AppSettings{
		OpenWebUIImageTag: "latest",
		TikaImageTag:      "latest-full",
	})
	if err != nil {
		t.Fatalf("default groups: %v", err)
	}

	fake := daemontest.New()
	fake.Seed(
		resource.Observed{Kind: resource.KindNetwork, Name: config.FrontendNetwork},
		resource.Observed{Kind: resource.KindContainer, Name: config.TikaContainer, Container: &resource.ObservedContainer{Status: resource.StatusExited}},
	)

	var out bytes.Buffer
	if err := purgeGroups(context.Background(), fake, groups, time.Second, &out); err != nil {
		t.Fatalf("purge: %v", err)
	}
	want := "localllm: remove-container local_llm_tika\nlocalllm: remove-network local_llm_frontend\n"
	if out.String() != want {
		t.Fatalf("output = %q, want %q", out.String(), want)
	}
	if _, ok := fake.Get(resource.KindNetwork, config.FrontendNetwork); ok {
		t.Fatalf("frontend network was not removed")
	}
}
