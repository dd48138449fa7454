package usb

import "testing"

func setupDevice(t *testing.T) *Device {
	t.Helper()
	return newTestController(t).Device
}

func TestSetAddressLatchesAndCommitsOnStatus(t *testing.T) {
	dev := setupDevice(t)

	raw := (&SetupData{RequestType: 0, Request: SET_ADDRESS, Value: 5}).Bytes()
	dev.mu.Lock()
	dev.handleSetupIRQ(raw)
	dev.mu.Unlock()

	addr := dev.ctrl.regRead(ADDRESS)
	if addr&ADDRESS_VALUE_MASK != 5 {
		t.Fatalf("expected address 5 latched, got %#x", addr)
	}
	if addr&(1<<ADDRESS_PENDING) == 0 {
		t.Fatal("expected ADDRESS_PENDING to remain set after a successful STATUS")
	}

	// the STATUS-phase zero-length request synthesises its completion
	// immediately since queueEP0 special-cases zero-length buffers.
	if dev.ep0DataReq != nil {
		t.Fatal("expected no outstanding EP0 request after a zero-length STATUS")
	}
}

func TestGetStatusDeviceReportsSelfPoweredAndWakeup(t *testing.T) {
	dev := setupDevice(t)
	dev.remoteWakeup = true

	var got []byte

	raw := (&SetupData{RequestType: 0x80, Request: GET_STATUS, Length: 2}).Bytes()

	dev.mu.Lock()
	dev.eps[0].pending = nil
	dev.handleSetupIRQ(raw)

	if len(dev.eps[0].pending) != 1 {
		t.Fatalf("expected one queued EP0 request, got %d", len(dev.eps[0].pending))
	}

	got = dev.eps[0].pending[0].Buf
	dev.mu.Unlock()

	if len(got) != 2 {
		t.Fatalf("expected 2-byte status, got %d bytes", len(got))
	}

	if got[0]&1 == 0 {
		t.Fatal("expected self-powered bit set")
	}

	if got[0]&2 == 0 {
		t.Fatal("expected remote-wakeup bit set")
	}
}

func TestSetClearFeatureEndpointHalt(t *testing.T) {
	dev := setupDevice(t)

	if err := dev.Enable(1, IN, TypeBulk, 64); err != nil {
		t.Fatalf("Enable: %v", err)
	}

	setRaw := (&SetupData{RequestType: 0x02, Request: SET_FEATURE, Value: ENDPOINT_HALT, Index: 0x81}).Bytes()

	dev.mu.Lock()
	dev.handleSetupIRQ(setRaw)
	dev.mu.Unlock()

	if dev.ctrl.regGet(dev.eps[1].regOffset(), EP_STALL, 1) != 1 {
		t.Fatal("expected endpoint 1 to be halted")
	}

	clearRaw := (&SetupData{RequestType: 0x02, Request: CLEAR_FEATURE, Value: ENDPOINT_HALT, Index: 0x81}).Bytes()

	dev.mu.Lock()
	dev.handleSetupIRQ(clearRaw)
	dev.mu.Unlock()

	if dev.ctrl.regGet(dev.eps[1].regOffset(), EP_STALL, 1) != 0 {
		t.Fatal("expected endpoint 1 halt to be cleared")
	}
}

func TestGetDescriptorServesDeviceDescriptor(t *testing.T) {
	dev := setupDevice(t)

	g := &Gadget{Descriptor: &DeviceDescriptor{}}
	g.Descriptor.SetDefaults()
	g.Descriptor.VendorId = 0x1209
	g.Descriptor.ProductId = 0x0001
	dev.Gadget = g

	raw := (&SetupData{RequestType: 0x80, Request: GET_DESCRIPTOR, Value: uint16(DEVICE) << 8, Length: DEVICE_LENGTH}).Bytes()

	dev.mu.Lock()
	dev.eps[0].pending = nil
	dev.handleSetupIRQ(raw)
	buf := dev.eps[0].pending[0].Buf
	dev.mu.Unlock()

	if len(buf) != DEVICE_LENGTH {
		t.Fatalf("expected %d-byte device descriptor, got %d", DEVICE_LENGTH, len(buf))
	}

	if buf[0] != DEVICE_LENGTH || buf[1] != DEVICE {
		t.Fatalf("unexpected descriptor header: %v", buf[:2])
	}
}
