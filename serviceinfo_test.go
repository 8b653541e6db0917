package meshrpc

import "testing"

func TestServiceInfo_EncodeDecodeRoundTrip(t *testing.T) {
	info := ServiceInfo{
		Name:      "tts",
		ServiceID: 42,
		MachineID: "machine-a",
		Endpoints: []Url{
			MustParseURL("tcp://127.0.0.1:9000"),
			MustParseURL("tcp://10.0.0.5:9000"),
		},
	}

	got, err := DecodeServiceInfo(EncodeServiceInfo(info))
	if err != nil {
		t.Fatalf("DecodeServiceInfo: %v", err)
	}
	if got.Name != info.Name || got.ServiceID != info.ServiceID || got.MachineID != info.MachineID {
		t.Fatalf("got %+v, want %+v", got, info)
	}
	if len(got.Endpoints) != len(info.Endpoints) {
		t.Fatalf("got %d endpoints, want %d", len(got.Endpoints), len(info.Endpoints))
	}
	for i := range info.Endpoints {
		if !got.Endpoints[i].Equal(info.Endpoints[i]) {
			t.Fatalf("endpoint %d: got %+v, want %+v", i, got.Endpoints[i], info.Endpoints[i])
		}
	}
}

func TestServiceInfo_DecodeTruncated(t *testing.T) {
	full := EncodeServiceInfo(ServiceInfo{Name: "x", Endpoints: []Url{MustParseURL("tcp://127.0.0.1:1")}})
	if _, err := DecodeServiceInfo(full[:len(full)-2]); err == nil {
		t.Fatal("expected error decoding truncated payload")
	}
}

func TestServiceInfoList_EncodeDecodeRoundTrip(t *testing.T) {
	infos := []ServiceInfo{
		{Name: "a", ServiceID: 1, MachineID: "m1"},
		{Name: "b", ServiceID: 2, MachineID: "m2", Endpoints: []Url{MustParseURL("tcp://127.0.0.1:1")}},
	}
	got, err := DecodeServiceInfoList(EncodeServiceInfoList(infos))
	if err != nil {
		t.Fatalf("DecodeServiceInfoList: %v", err)
	}
	if len(got) != len(infos) {
		t.Fatalf("got %d infos, want %d", len(got), len(infos))
	}
	for i := range infos {
		if got[i].Name != infos[i].Name || got[i].ServiceID != infos[i].ServiceID {
			t.Fatalf("info %d: got %+v, want %+v", i, got[i], infos[i])
		}
	}
}

func TestServiceInfoList_EmptyList(t *testing.T) {
	got, err := DecodeServiceInfoList(EncodeServiceInfoList(nil))
	if err != nil {
		t.Fatalf("DecodeServiceInfoList: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty list, got %d entries", len(got))
	}
}
