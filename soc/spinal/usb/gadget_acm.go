package usb

// NewSerialGadget builds the descriptor hierarchy for a single-configuration
// CDC-ACM ("USB serial") gadget: a communication interface carrying the ACM
// class descriptors over an interrupt-IN notification endpoint, paired via
// an Interface Association Descriptor with a data interface exchanging bulk
// IN/OUT endpoints. It is the minimal example gadget exercising the core
// end-to-end (§4.10, §6): GET_DESCRIPTOR, SET_CONFIGURATION and the
// endpoint data path all run against it unmodified from a real gadget.
func NewSerialGadget(vendorID, productID uint16) *Gadget {
	g := &Gadget{Descriptor: &DeviceDescriptor{}}
	g.Descriptor.SetDefaults()
	g.Descriptor.DeviceClass = COMMUNICATION_DEVICE_CLASS
	g.Descriptor.VendorId = vendorID
	g.Descriptor.ProductId = productID
	g.Descriptor.NumConfigurations = 0 // incremented by AddConfiguration

	g.Qualifier = &DeviceQualifierDescriptor{}
	g.Qualifier.SetDefaults()

	conf := &ConfigurationDescriptor{}
	conf.SetDefaults()

	iad := &InterfaceAssociationDescriptor{}
	iad.SetDefaults()
	iad.InterfaceCount = 2
	iad.FunctionClass = COMMUNICATION_DEVICE_CLASS
	iad.FunctionSubClass = ACM_SUBCLASS
	iad.FunctionProtocol = AT_COMMAND_PROTOCOL

	comm := &InterfaceDescriptor{IAD: iad}
	comm.SetDefaults()
	comm.InterfaceClass = COMMUNICATION_INTERFACE_CLASS
	comm.InterfaceSubClass = ACM_SUBCLASS
	comm.InterfaceProtocol = AT_COMMAND_PROTOCOL

	header := &CDCHeaderDescriptor{}
	header.SetDefaults()

	callMgmt := &CDCCallManagementDescriptor{}
	callMgmt.SetDefaults()
	callMgmt.DataInterface = 1

	acm := &CDCAbstractControlManagementDescriptor{}
	acm.SetDefaults()

	union := &CDCUnionDescriptor{}
	union.SetDefaults()
	union.SlaveInterface0 = 1

	comm.ClassDescriptors = [][]byte{
		header.Bytes(),
		callMgmt.Bytes(),
		acm.Bytes(),
		union.Bytes(),
	}

	notify := &EndpointDescriptor{}
	notify.SetDefaults()
	notify.EndpointAddress = 0x80 | 1
	notify.Attributes = TypeInterrupt
	notify.MaxPacketSize = 8
	notify.Interval = 9
	comm.Endpoints = []*EndpointDescriptor{notify}

	data := &InterfaceDescriptor{}
	data.SetDefaults()
	data.NumEndpoints = 2
	data.InterfaceClass = DATA_INTERFACE_CLASS

	dataIn := &EndpointDescriptor{}
	dataIn.SetDefaults()
	dataIn.EndpointAddress = 0x80 | 2
	dataIn.Attributes = TypeBulk
	dataIn.MaxPacketSize = 64
	dataIn.Zero = false

	dataOut := &EndpointDescriptor{}
	dataOut.SetDefaults()
	dataOut.EndpointAddress = 3
	dataOut.Attributes = TypeBulk
	dataOut.MaxPacketSize = 64
	data.Endpoints = []*EndpointDescriptor{dataIn, dataOut}

	conf.AddInterface(comm)
	conf.AddInterface(data)

	g.AddConfiguration(conf)

	return g
}
