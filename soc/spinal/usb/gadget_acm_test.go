package usb

import "testing"

func TestSerialGadgetDeviceDescriptorReportsCommClass(t *testing.T) {
	g := NewSerialGadget(0x1209, 0x0001)

	if g.Descriptor.DeviceClass != COMMUNICATION_DEVICE_CLASS {
		t.Fatalf("expected device class %#x, got %#x", COMMUNICATION_DEVICE_CLASS, g.Descriptor.DeviceClass)
	}

	if g.Descriptor.NumConfigurations != 1 {
		t.Fatalf("expected 1 configuration, got %d", g.Descriptor.NumConfigurations)
	}
}

func TestSerialGadgetConfigurationCarriesCDCDescriptors(t *testing.T) {
	g := NewSerialGadget(0x1209, 0x0001)

	buf, err := g.GetDescriptor(CONFIGURATION, 0, 512)
	if err != nil {
		t.Fatalf("GetDescriptor(CONFIGURATION): %v", err)
	}

	var headers int

	for i := 0; i+1 < len(buf); i += int(buf[i]) {
		if buf[i] == 0 {
			break
		}

		if buf[i+1] == CS_INTERFACE {
			headers++
		}
	}

	// header, call management, ACM, union: four CS_INTERFACE-tagged
	// functional descriptors on the communication interface.
	if headers != 4 {
		t.Fatalf("expected 4 CS_INTERFACE descriptors, got %d", headers)
	}
}

func TestSerialGadgetServedThroughSetup(t *testing.T) {
	dev := setupDevice(t)
	dev.Gadget = NewSerialGadget(0x1209, 0x0001)

	raw := (&SetupData{RequestType: 0x80, Request: GET_DESCRIPTOR, Value: uint16(CONFIGURATION) << 8, Length: 512}).Bytes()

	dev.mu.Lock()
	dev.eps[0].pending = nil
	dev.handleSetupIRQ(raw)
	buf := dev.eps[0].pending[0].Buf
	dev.mu.Unlock()

	if len(buf) == 0 || buf[1] != CONFIGURATION {
		t.Fatalf("expected a configuration descriptor, got %v", buf)
	}
}
