package nat

import (
	"testing"

	"github.com/ge9/gonat/internal/core"
)

func TestBuildUDPLikeTableCoversAllBehaviors(t *testing.T) {
	ports := []uint16{19900, 19901, 19902}
	behaviors := []core.Behavior{
		core.BehaviorFullCone,
		core.BehaviorQuasiRestrictedCone,
		core.BehaviorQuasiPortRestrictedCone,
		core.BehaviorQuasiSymmetric,
		core.BehaviorAddressDependent,
		core.BehaviorAddressPortDependent,
	}
	for _, b := range behaviors {
		table, err := BuildUDPLikeTable("udp", core.TableConfig{Behavior: b, TimeoutSecs: 150}, ports, nil)
		if err != nil {
			t.Fatalf("BuildUDPLikeTable(%s) error = %v", b, err)
		}
		if table == nil {
			t.Fatalf("BuildUDPLikeTable(%s) returned nil table", b)
		}
	}
}

func TestBuildTCPLikeTableCoversAllBehaviors(t *testing.T) {
	ports := []uint16{19900, 19901, 19902}
	behaviors := []core.Behavior{
		core.BehaviorFullCone,
		core.BehaviorQuasiRestrictedCone,
		core.BehaviorQuasiPortRestrictedCone,
		core.BehaviorQuasiSymmetric,
		core.BehaviorAddressDependent,
		core.BehaviorAddressPortDependent,
	}
	for _, b := range behaviors {
		table, err := BuildTCPLikeTable("tcp", core.TableConfig{Behavior: b, TimeoutLongSecs: 2000, TimeoutShortSecs: 120}, ports, nil)
		if err != nil {
			t.Fatalf("BuildTCPLikeTable(%s) error = %v", b, err)
		}
		if table == nil {
			t.Fatalf("BuildTCPLikeTable(%s) returned nil table", b)
		}
	}
}

func TestBuildUDPLikeTableRejectsUnknownBehavior(t *testing.T) {
	_, err := BuildUDPLikeTable("udp", core.TableConfig{Behavior: "bogus"}, []uint16{1}, nil)
	if err == nil {
		t.Fatalf("expected error for unknown behavior")
	}
}
