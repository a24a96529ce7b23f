package metrics

const (
	ModbusErrorsH        = "The total number of failed Modbus transactions by kind"
	ModbusErrorsN        = "tempctl_modbus_errors"
	ModbusReqsSentH      = "The total number of Modbus requests sent"
	ModbusReqsSentN      = "tempctl_modbus_reqs_sent"
	ModbusRespsAcceptedH = "The total number of Modbus responses accepted"
	ModbusRespsAcceptedN = "tempctl_modbus_resps_accepted"

	LoopCyclesH        = "The total number of control cycles run"
	LoopCyclesN        = "tempctl_loop_cycles"
	LoopDensityH       = "The last density read (informational)"
	LoopDensityN       = "tempctl_loop_density"
	LoopDutyH          = "The heater duty cycle computed in the last control cycle (percent)"
	LoopDutyN          = "tempctl_loop_duty"
	LoopHeaterEnabledH = "Whether the heater coil was on at the last read (1) or not (0)"
	LoopHeaterEnabledN = "tempctl_loop_heater_enabled"
	LoopIntegralH      = "The PI controller integral accumulator"
	LoopIntegralN      = "tempctl_loop_integral"
	LoopPumpEnabledH   = "Whether the pump coil was on at the last read (1) or not (0)"
	LoopPumpEnabledN   = "tempctl_loop_pump_enabled"
	LoopReadErrorsH    = "The total number of failed device reads by source"
	LoopReadErrorsN    = "tempctl_loop_read_errors"
	LoopSetpointH      = "The current temperature setpoint (degrees Celsius)"
	LoopSetpointN      = "tempctl_loop_setpoint"
	LoopTemperatureH   = "The last temperature read (degrees Celsius)"
	LoopTemperatureN   = "tempctl_loop_temperature"
	LoopWriteErrorsH   = "The total number of failed coil writes"
	LoopWriteErrorsN   = "tempctl_loop_write_errors"

	DutySwitchesH = "The total number of heater coil commands issued by the duty scheduler"
	DutySwitchesN = "tempctl_duty_switches"

	APIReqsServedH = "The total number of API requests served by route"
	APIReqsServedN = "tempctl_api_reqs_served"
	APIStreamSubsH = "The number of connected state stream subscribers"
	APIStreamSubsN = "tempctl_api_stream_subscribers"

	TelemetryDroppedH   = "The total number of telemetry messages dropped because the queue was full"
	TelemetryDroppedN   = "tempctl_telemetry_dropped"
	TelemetryPublishedH = "The total number of telemetry messages published"
	TelemetryPublishedN = "tempctl_telemetry_published"
)
