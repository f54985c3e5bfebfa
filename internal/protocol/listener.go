package protocol

// Listener receives the events decoded from a hub connection. All calls
// for one connection come from a single goroutine.
type Listener interface {
	OnNodeInfo(nodes []NodeInfo)
	OnTestpointInfo(testpoints []TestpointInfo)
	OnHubAlarm(alarm Alarm)
	OnNodeAlarm(id string, alarm Alarm)
	OnHubStatus(temperature float64)
	OnNodeStatus(id string, status NodeStatus)
	OnMeasurementStatus(status MeasurementStatus)
	OnDeviceError(message string)
	OnVoltammogram(id string, v Voltammogram)
	OnConductance(id string, c Conductance)
	OnORP(id string, value float64)
	OnPH(id string, value float64)
	OnTemperature(id string, value float64)

	// OnError reports frame-level and transport errors.
	OnError(err error)
}

// NopListener ignores every event. Embed it to implement only the
// callbacks of interest.
type NopListener struct{}

func (NopListener) OnNodeInfo([]NodeInfo)                 {}
func (NopListener) OnTestpointInfo([]TestpointInfo)       {}
func (NopListener) OnHubAlarm(Alarm)                      {}
func (NopListener) OnNodeAlarm(string, Alarm)             {}
func (NopListener) OnHubStatus(float64)                   {}
func (NopListener) OnNodeStatus(string, NodeStatus)       {}
func (NopListener) OnMeasurementStatus(MeasurementStatus) {}
func (NopListener) OnDeviceError(string)                  {}
func (NopListener) OnVoltammogram(string, Voltammogram)   {}
func (NopListener) OnConductance(string, Conductance)     {}
func (NopListener) OnORP(string, float64)                 {}
func (NopListener) OnPH(string, float64)                  {}
func (NopListener) OnTemperature(string, float64)         {}
func (NopListener) OnError(error)                         {}
