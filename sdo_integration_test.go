package canopen

import (
	"encoding/binary"
	"testing"
)

// These tests wire a real SDOServer and SDOClient together over a shared
// fakeWire and drive both state machines by hand, alternating client calls
// with server.Process the way Node.Process would on a live bus. They are
// the only tests in this module that exercise a full request/response round
// trip instead of a single engine in isolation.

const sdoIntegrationServerNode uint8 = 5

func newSDOPairForTest(t *testing.T, od *ObjectDictionary) (*SDOServer, *SDOClient) {
	t.Helper()
	wire := &fakeWire{}
	bm := newBusManager(wire)

	server, err := NewSDOServer(bm, od, sdoIntegrationServerNode, 1000, nil)
	if err != nil {
		t.Fatalf("NewSDOServer: %v", err)
	}
	client, err := NewSDOClient(bm, od, 0, 1000, nil)
	if err != nil {
		t.Fatalf("NewSDOClient: %v", err)
	}
	if err := client.setupServer(uint32(sdoClientBaseID)+uint32(sdoIntegrationServerNode), uint32(sdoServerBaseID)+uint32(sdoIntegrationServerNode), sdoIntegrationServerNode); err != nil {
		t.Fatalf("setupServer: %v", err)
	}
	return server, client
}

// runUpload alternates client.upload and server.Process until the transfer
// finishes or the round-trip budget is exhausted.
func runUpload(t *testing.T, server *SDOServer, client *SDOClient) []byte {
	t.Helper()
	out := make([]byte, 0, 64)
	chunk := make([]byte, sdoClientBufferSize)
	for i := 0; i < 50; i++ {
		result, err := client.upload(1000, false, nil)
		if err != nil {
			t.Fatalf("client.upload: %v", err)
		}
		if result == sdoUploadDataFull {
			n := client.fifo.Read(chunk, nil)
			out = append(out, chunk[:n]...)
			continue
		}
		if result == SDOSuccess {
			n := client.fifo.Read(chunk, nil)
			return append(out, chunk[:n]...)
		}
		if _, err := server.Process(true, 1000, nil); err != nil {
			t.Fatalf("server.Process: %v", err)
		}
	}
	t.Fatalf("upload did not complete within the round-trip budget")
	return nil
}

// runDownload alternates client.downloadMain and server.Process until the
// transfer finishes or the round-trip budget is exhausted.
func runDownload(t *testing.T, server *SDOServer, client *SDOClient, encoded []byte) error {
	t.Helper()
	written := client.fifo.Write(encoded, nil)
	partial := written < len(encoded)
	for i := 0; i < 50; i++ {
		result, err := client.downloadMain(1000, false, partial, nil, false)
		if err != nil {
			return err
		}
		if result == SDOBlockDownloadInProgress && partial {
			written += client.fifo.Write(encoded[written:], nil)
			partial = written < len(encoded)
			continue
		}
		if result == SDOSuccess {
			return nil
		}
		if _, err := server.Process(true, 1000, nil); err != nil {
			return err
		}
	}
	t.Fatalf("download did not complete within the round-trip budget")
	return nil
}

func TestSDOExpeditedUploadRoundTrip(t *testing.T) {
	od := NewObjectDictionary()
	entry := NewVarEntry(0x2010, "counter", UNSIGNED32, ODA_SDO_R, le32(0xDEADBEEF))
	od.AddEntry(entry)

	server, client := newSDOPairForTest(t, od)
	if err := client.uploadStart(0x2010, 0, false); err != nil {
		t.Fatalf("uploadStart: %v", err)
	}

	got := runUpload(t, server, client)
	if len(got) != 4 || pdoU32(got) != 0xDEADBEEF {
		t.Fatalf("uploaded value = %x, want deadbeef", got)
	}
}

func TestSDOSegmentedDownloadRoundTrip(t *testing.T) {
	od := NewObjectDictionary()
	entry := NewVarEntry(0x2011, "name", VISIBLE_STRING, ODA_SDO_RW|ODA_STR, make([]byte, 16))
	od.AddEntry(entry)

	server, client := newSDOPairForTest(t, od)
	payload := []byte("a canopen node") // 14 bytes: forces a segmented transfer
	if err := client.downloadStart(0x2011, 0, uint32(len(payload)), false); err != nil {
		t.Fatalf("downloadStart: %v", err)
	}
	if err := runDownload(t, server, client, payload); err != nil {
		t.Fatalf("download: %v", err)
	}

	variable, ret := entry.GetSub(0)
	if ret != ODR_OK {
		t.Fatalf("GetSub: %v", ret)
	}
	got := make([]byte, len(payload))
	copy(got, variable.data[:len(payload)])
	if string(got) != string(payload) {
		t.Fatalf("stored value = %q, want %q", got, payload)
	}
}

func TestSDODownloadToReadOnlyEntryAborts(t *testing.T) {
	od := NewObjectDictionary()
	entry := NewVarEntry(0x2012, "ro", UNSIGNED32, ODA_SDO_R, le32(1))
	od.AddEntry(entry)

	server, client := newSDOPairForTest(t, od)
	if err := client.downloadStart(0x2012, 0, 4, false); err != nil {
		t.Fatalf("downloadStart: %v", err)
	}
	err := runDownload(t, server, client, le32(2))
	if err == nil {
		t.Fatalf("expected an abort writing to a read-only entry")
	}
	code, ok := err.(SDOAbortCode)
	if !ok || code != AbortReadOnly {
		t.Fatalf("abort = %v, want AbortReadOnly", err)
	}
}

// TestSDOUploadShortFinalSegmentAborts exercises the client's own defense
// against a misbehaving remote: a server whose upload-initiate response
// indicates a read-only entry is 10 bytes long, but whose one and only
// (final) segment delivers just 3 bytes. CiA 301 requires the client to
// reject this as "data type does not match, length too low" rather than
// accept the short transfer.
func TestSDOUploadShortFinalSegmentAborts(t *testing.T) {
	const serverNode uint8 = 9
	wire := &fakeWire{}
	bm := newBusManager(wire)

	client, err := NewSDOClient(bm, NewObjectDictionary(), 0, 1000, nil)
	if err != nil {
		t.Fatalf("NewSDOClient: %v", err)
	}
	reqID := uint32(sdoClientBaseID) + uint32(serverNode)
	rspID := uint32(sdoServerBaseID) + uint32(serverNode)
	if err := client.setupServer(reqID, rspID, serverNode); err != nil {
		t.Fatalf("setupServer: %v", err)
	}

	segmentSent := false
	if err := bm.Subscribe(reqID, 0x7FF, false, frameHandlerFunc(func(f Frame) {
		switch {
		case f.Data[0] == ccsUploadInitiate:
			var resp Frame
			resp.ID, resp.DLC = rspID, 8
			resp.Data[0] = 0x41 // e=0, s=1: size indicated, not expedited
			copy(resp.Data[1:3], f.Data[1:3])
			resp.Data[3] = f.Data[3]
			binary.LittleEndian.PutUint32(resp.Data[4:], 10)
			bm.Send(resp)
		case f.Data[0] == ccsUploadSegment && !segmentSent:
			segmentSent = true
			var resp Frame
			resp.ID, resp.DLC = rspID, 8
			resp.Data[0] = (4 << 1) | 0x01 // toggle=0, n=4 unused, c=1 (last)
			copy(resp.Data[1:4], []byte{0xAA, 0xBB, 0xCC})
			bm.Send(resp)
		}
	})); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := client.uploadStart(0x2013, 0, false); err != nil {
		t.Fatalf("uploadStart: %v", err)
	}
	var gotErr error
	for i := 0; i < 50; i++ {
		result, err := client.upload(1000, false, nil)
		if err != nil {
			gotErr = err
			break
		}
		if result == SDOSuccess {
			t.Fatalf("expected an abort for a short final segment, got success")
		}
	}
	code, ok := gotErr.(SDOAbortCode)
	if !ok || code != AbortDataShort {
		t.Fatalf("abort = %v, want AbortDataShort", gotErr)
	}
}

func TestSDOUploadUnknownIndexAborts(t *testing.T) {
	od := NewObjectDictionary()
	server, client := newSDOPairForTest(t, od)

	if err := client.uploadStart(0x3000, 0, false); err != nil {
		t.Fatalf("uploadStart: %v", err)
	}
	for i := 0; i < 50; i++ {
		result, err := client.upload(1000, false, nil)
		if err != nil {
			code, ok := err.(SDOAbortCode)
			if !ok || code != AbortNotExist {
				t.Fatalf("abort = %v, want AbortNotExist", err)
			}
			return
		}
		if result == SDOSuccess {
			t.Fatalf("expected an abort reading an unknown index, got success")
		}
		// The server reports the abort it sends as its own error.
		if _, err := server.Process(true, 1000, nil); err != nil && err != AbortNotExist {
			t.Fatalf("server.Process: %v", err)
		}
	}
	t.Fatalf("upload did not abort within the round-trip budget")
}
