package usb

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf16"
)

// Standard descriptor types (p290, Table 9-5, USB2.0).
const (
	DEVICE                = 1
	CONFIGURATION         = 2
	STRING                = 3
	INTERFACE             = 4
	ENDPOINT              = 5
	DEVICE_QUALIFIER      = 6
	INTERFACE_ASSOCIATION = 11
)

// Standard descriptor sizes.
const (
	DEVICE_LENGTH                = 18
	CONFIGURATION_LENGTH         = 9
	INTERFACE_ASSOCIATION_LENGTH = 8
	INTERFACE_LENGTH             = 9
	ENDPOINT_LENGTH              = 7
	DEVICE_QUALIFIER_LENGTH      = 10
)

// DeviceDescriptor implements p290, Table 9-8. Standard Device Descriptor,
// USB2.0.
type DeviceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	bcdUSB            uint16
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize     uint8
	VendorId          uint16
	ProductId         uint16
	Device            uint16
	Manufacturer      uint8
	Product           uint8
	SerialNumber      uint8
	NumConfigurations uint8
}

// SetDefaults initializes default values for the device descriptor.
func (d *DeviceDescriptor) SetDefaults() {
	d.Length = DEVICE_LENGTH
	d.DescriptorType = DEVICE
	d.bcdUSB = 0x0200
	d.MaxPacketSize = 64
}

// Bytes converts the descriptor structure to wire format.
func (d *DeviceDescriptor) Bytes() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, d)
	return buf.Bytes()
}

// ConfigurationDescriptor implements p293, Table 9-10. Standard
// Configuration Descriptor, USB2.0.
type ConfigurationDescriptor struct {
	Length             uint8
	DescriptorType     uint8
	TotalLength        uint16
	NumInterfaces      uint8
	ConfigurationValue uint8
	Configuration      uint8
	Attributes         uint8
	MaxPower           uint8

	Interfaces []*InterfaceDescriptor
}

// SetDefaults initializes default values for the configuration descriptor.
func (d *ConfigurationDescriptor) SetDefaults() {
	d.Length = CONFIGURATION_LENGTH
	d.DescriptorType = CONFIGURATION
	d.ConfigurationValue = 1
	d.Attributes = 0x80 // bus-powered
	d.MaxPower = 250     // 500 mA
}

// AddInterface appends an interface descriptor, assigning its interface
// number.
func (d *ConfigurationDescriptor) AddInterface(iface *InterfaceDescriptor) {
	if iface.AlternateSetting == 0 {
		iface.InterfaceNumber = d.NumInterfaces
		d.NumInterfaces++
	} else if d.NumInterfaces > 0 {
		iface.InterfaceNumber = d.NumInterfaces - 1
	}

	d.Interfaces = append(d.Interfaces, iface)
}

// Bytes converts the descriptor structure to wire format.
func (d *ConfigurationDescriptor) Bytes() []byte {
	buf := new(bytes.Buffer)

	binary.Write(buf, binary.LittleEndian, d.Length)
	binary.Write(buf, binary.LittleEndian, d.DescriptorType)
	binary.Write(buf, binary.LittleEndian, d.TotalLength)
	binary.Write(buf, binary.LittleEndian, d.NumInterfaces)
	binary.Write(buf, binary.LittleEndian, d.ConfigurationValue)
	binary.Write(buf, binary.LittleEndian, d.Configuration)
	binary.Write(buf, binary.LittleEndian, d.Attributes)
	binary.Write(buf, binary.LittleEndian, d.MaxPower)

	return buf.Bytes()
}

// InterfaceAssociationDescriptor implements the Interface Association
// Descriptor ECN to USB2.0, used by multi-function gadgets such as CDC.
type InterfaceAssociationDescriptor struct {
	Length           uint8
	DescriptorType   uint8
	FirstInterface   uint8
	InterfaceCount   uint8
	FunctionClass    uint8
	FunctionSubClass uint8
	FunctionProtocol uint8
	Function         uint8
}

// SetDefaults initializes default values for the IAD.
func (d *InterfaceAssociationDescriptor) SetDefaults() {
	d.Length = INTERFACE_ASSOCIATION_LENGTH
	d.DescriptorType = INTERFACE_ASSOCIATION
}

// Bytes converts the descriptor structure to wire format.
func (d *InterfaceAssociationDescriptor) Bytes() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, d)
	return buf.Bytes()
}

// InterfaceDescriptor implements p296, Table 9-12. Standard Interface
// Descriptor, USB2.0.
type InterfaceDescriptor struct {
	IAD *InterfaceAssociationDescriptor

	Length            uint8
	DescriptorType    uint8
	InterfaceNumber   uint8
	AlternateSetting  uint8
	NumEndpoints      uint8
	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8
	Interface         uint8

	Endpoints        []*EndpointDescriptor
	ClassDescriptors [][]byte
}

// SetDefaults initializes default values for the interface descriptor.
func (d *InterfaceDescriptor) SetDefaults() {
	d.Length = INTERFACE_LENGTH
	d.DescriptorType = INTERFACE
	d.NumEndpoints = 1
}

// Bytes converts the descriptor structure, its IAD (if any), and its
// class-specific descriptors to wire format.
func (d *InterfaceDescriptor) Bytes() []byte {
	buf := new(bytes.Buffer)

	if d.IAD != nil {
		buf = bytes.NewBuffer(d.IAD.Bytes())
	}

	binary.Write(buf, binary.LittleEndian, d.Length)
	binary.Write(buf, binary.LittleEndian, d.DescriptorType)
	binary.Write(buf, binary.LittleEndian, d.InterfaceNumber)
	binary.Write(buf, binary.LittleEndian, d.AlternateSetting)
	binary.Write(buf, binary.LittleEndian, d.NumEndpoints)
	binary.Write(buf, binary.LittleEndian, d.InterfaceClass)
	binary.Write(buf, binary.LittleEndian, d.InterfaceSubClass)
	binary.Write(buf, binary.LittleEndian, d.InterfaceProtocol)
	binary.Write(buf, binary.LittleEndian, d.Interface)

	for _, classDesc := range d.ClassDescriptors {
		buf.Write(classDesc)
	}

	return buf.Bytes()
}

// EndpointFunction processes transfers on a gadget endpoint once wired by
// Gadget.Start. On OUT endpoints it receives the bytes delivered by the
// host; on IN endpoints its return value is queued for transmission. On IN
// endpoints a non-nil lastErr reports the status of the previous transfer
// (e.g. ErrShutdown after a disconnect); on OUT endpoints the function is
// called only after a successful transfer, so lastErr is always nil there.
type EndpointFunction func(buf []byte, lastErr error) (res []byte, err error)

// EndpointDescriptor implements p297, Table 9-13. Standard Endpoint
// Descriptor, USB2.0.
type EndpointDescriptor struct {
	Length          uint8
	DescriptorType  uint8
	EndpointAddress uint8
	Attributes      uint8
	MaxPacketSize   uint16
	Interval        uint8

	Zero bool

	Function EndpointFunction
}

// SetDefaults initializes default values for the endpoint descriptor.
func (d *EndpointDescriptor) SetDefaults() {
	d.Length = ENDPOINT_LENGTH
	d.DescriptorType = ENDPOINT
	d.EndpointAddress = 0x81
	d.MaxPacketSize = 64
	d.Zero = true
}

// Number returns the endpoint number.
func (d *EndpointDescriptor) Number() int {
	return int(d.EndpointAddress & 0b1111)
}

// Direction returns the endpoint direction (IN or OUT).
func (d *EndpointDescriptor) Direction() int {
	if d.EndpointAddress&0x80 != 0 {
		return IN
	}

	return OUT
}

// TransferType returns the endpoint transfer type (Type* constant).
func (d *EndpointDescriptor) TransferType() int {
	return int(d.Attributes & 0b11)
}

// Bytes converts the descriptor structure to wire format.
func (d *EndpointDescriptor) Bytes() []byte {
	buf := new(bytes.Buffer)

	binary.Write(buf, binary.LittleEndian, d.Length)
	binary.Write(buf, binary.LittleEndian, d.DescriptorType)
	binary.Write(buf, binary.LittleEndian, d.EndpointAddress)
	binary.Write(buf, binary.LittleEndian, d.Attributes)
	binary.Write(buf, binary.LittleEndian, d.MaxPacketSize)
	binary.Write(buf, binary.LittleEndian, d.Interval)

	return buf.Bytes()
}

// StringDescriptor implements p273, 9.6.7 String, USB2.0.
type StringDescriptor struct {
	Length         uint8
	DescriptorType uint8
}

// SetDefaults initializes default values for the string descriptor.
func (d *StringDescriptor) SetDefaults() {
	d.Length = 2
	d.DescriptorType = STRING
}

// Bytes converts the descriptor structure to wire format.
func (d *StringDescriptor) Bytes() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, d.Length)
	binary.Write(buf, binary.LittleEndian, d.DescriptorType)
	return buf.Bytes()
}

// DeviceQualifierDescriptor implements p292, 9.6.2 Device_Qualifier,
// USB2.0. Reported unconditionally as full-speed-only (see Non-goals).
type DeviceQualifierDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	bcdUSB            uint16
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize     uint8
	NumConfigurations uint8
	Reserved          uint8
}

// SetDefaults initializes default values for the device qualifier
// descriptor.
func (d *DeviceQualifierDescriptor) SetDefaults() {
	d.Length = DEVICE_QUALIFIER_LENGTH
	d.DescriptorType = DEVICE_QUALIFIER
	d.bcdUSB = 0x0200
	d.MaxPacketSize = 64
	d.NumConfigurations = 1
}

// Bytes converts the descriptor structure to wire format.
func (d *DeviceQualifierDescriptor) Bytes() []byte {
	buf := new(bytes.Buffer)

	binary.Write(buf, binary.LittleEndian, d.Length)
	binary.Write(buf, binary.LittleEndian, d.DescriptorType)
	binary.Write(buf, binary.LittleEndian, d.bcdUSB)
	binary.Write(buf, binary.LittleEndian, d.DeviceClass)
	binary.Write(buf, binary.LittleEndian, d.DeviceSubClass)
	binary.Write(buf, binary.LittleEndian, d.DeviceProtocol)
	binary.Write(buf, binary.LittleEndian, d.MaxPacketSize)
	binary.Write(buf, binary.LittleEndian, d.NumConfigurations)
	binary.Write(buf, binary.LittleEndian, d.Reserved)

	return buf.Bytes()
}

// Gadget bundles the descriptor hierarchy a Device exposes to the host: the
// device/qualifier/configuration descriptors GET_DESCRIPTOR serves, plus
// the class-specific Setup hook forwarded from the control machine.
//
// This is distinct from Device, which holds the live chapter-9 state
// machine; Gadget is static descriptive data a higher-level driver attaches
// to a Device through its Gadget field.
type Gadget struct {
	Descriptor     *DeviceDescriptor
	Qualifier      *DeviceQualifierDescriptor
	Configurations []*ConfigurationDescriptor
	Strings        [][]byte

	ConfigurationValue uint8
}

func (g *Gadget) setStringDescriptor(s []byte, zero bool) (uint8, error) {
	desc := &StringDescriptor{}
	desc.SetDefaults()

	if size := int(desc.Length) + len(s); size > 255 {
		return 0, fmt.Errorf("string descriptor size (%d) cannot exceed 255", size)
	}

	desc.Length += uint8(len(s))

	buf := append(desc.Bytes(), s...)

	if zero && len(g.Strings) >= 1 {
		g.Strings[0] = buf
	} else {
		g.Strings = append(g.Strings, buf)
	}

	return uint8(len(g.Strings) - 1), nil
}

// SetLanguageCodes configures String Descriptor Zero (p273, Table 9-15,
// USB2.0). Only a single language is supported.
func (g *Gadget) SetLanguageCodes(codes []uint16) error {
	if len(codes) > 1 {
		return errors.New("only a single language is currently supported")
	}

	var buf []byte

	for _, c := range codes {
		b := make([]byte, 2)
		binary.LittleEndian.PutUint16(b, c)
		buf = append(buf, b...)
	}

	_, err := g.setStringDescriptor(buf, true)

	return err
}

// AddString adds a UTF-16 string descriptor, returning its index for use in
// a descriptor's *Index field.
func (g *Gadget) AddString(s string) (uint8, error) {
	u := utf16.Encode([]rune(s))

	var buf []byte

	for _, c := range u {
		buf = append(buf, byte(c), byte(c>>8))
	}

	return g.setStringDescriptor(buf, false)
}

// AddConfiguration appends a configuration descriptor, bumping the device
// descriptor's configuration count.
func (g *Gadget) AddConfiguration(conf *ConfigurationDescriptor) error {
	g.Configurations = append(g.Configurations, conf)

	if g.Descriptor == nil {
		return errors.New("gadget has no device descriptor")
	}

	g.Descriptor.NumConfigurations++

	return nil
}

// Configuration serializes configuration wIndex as GET_DESCRIPTOR expects
// (p281, 9.4.3, USB2.0): the configuration descriptor followed by every
// interface and endpoint descriptor it owns, TotalLength filled in.
func (g *Gadget) Configuration(wIndex uint16) ([]byte, error) {
	if int(wIndex+1) > len(g.Configurations) {
		return nil, errors.New("invalid configuration index")
	}

	conf := g.Configurations[wIndex]

	var buf []byte

	for i, iface := range conf.Interfaces {
		if iface.IAD != nil && iface.IAD.FirstInterface == 0 {
			iface.IAD.FirstInterface = uint8(i)
		}

		buf = append(buf, iface.Bytes()...)

		for _, ep := range iface.Endpoints {
			buf = append(buf, ep.Bytes()...)
		}
	}

	conf.TotalLength = uint16(int(conf.Length) + len(buf))

	return append(conf.Bytes(), buf...), nil
}

// GetDescriptor serves the standard GET_DESCRIPTOR types: device,
// qualifier, configuration and string descriptors, dispatched by type.
// The in-core handleGetDescriptor (setup.go) calls it when Device.Gadget is
// set, and forwards the request to Device.Setup when it returns an error,
// so class-specific types reach the gadget driver.
func (g *Gadget) GetDescriptor(descType uint8, index uint8, wLength uint16) ([]byte, error) {
	switch descType {
	case DEVICE:
		if g.Descriptor == nil {
			return nil, errors.New("gadget has no device descriptor")
		}

		return trim(g.Descriptor.Bytes(), wLength), nil
	case DEVICE_QUALIFIER:
		if g.Qualifier == nil {
			return nil, errors.New("gadget has no device qualifier descriptor")
		}

		return trim(g.Qualifier.Bytes(), wLength), nil
	case CONFIGURATION:
		buf, err := g.Configuration(uint16(index))
		if err != nil {
			return nil, err
		}

		return trim(buf, wLength), nil
	case STRING:
		if int(index) >= len(g.Strings) {
			return nil, errors.New("invalid string descriptor index")
		}

		return trim(g.Strings[index], wLength), nil
	default:
		return nil, invalidConfig("unsupported descriptor type %d", descType)
	}
}
