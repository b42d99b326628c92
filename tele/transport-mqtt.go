package tele

import (
	"context"
	"fmt"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/meatnet/probe/helpers"
	"github.com/meatnet/probe/log2"
)

// mqttLog adapts log2 to the mqtt client tracing interface.
type mqttLog struct{ logf log2.Func }

func (m mqttLog) Printf(format string, args ...interface{}) { m.logf(format, args...) }
func (m mqttLog) Println(args ...interface{})               { m.logf("%s", fmt.Sprintln(args...)) }

type transportMqtt struct {
	log *log2.Log
	m   mqtt.Client

	topicPrefix  string
	topicConnect string
	topicState   string
	topicEvent   string
	topicError   string
}

func (tm *transportMqtt) Init(ctx context.Context, log *log2.Log, config Config) error {
	tm.log = log
	mqtt.ERROR = mqttLog{log.Errorf}
	mqtt.CRITICAL = mqttLog{log.Errorf}
	mqtt.WARN = mqttLog{log.Infof}
	if config.MqttLogDebug {
		mqtt.DEBUG = mqttLog{log.Debugf}
	}

	clientID := config.ClientID
	if clientID == "" {
		clientID = "meatnet"
	}
	credFun := func() (string, string) {
		return clientID, config.MqttPassword
	}

	tm.topicPrefix = clientID
	tm.topicConnect = fmt.Sprintf("%s/c", tm.topicPrefix)
	tm.topicState = fmt.Sprintf("%s/w/1s", tm.topicPrefix)
	tm.topicEvent = fmt.Sprintf("%s/w/1e", tm.topicPrefix)
	tm.topicError = fmt.Sprintf("%s/w/1err", tm.topicPrefix)
	keepAlive := helpers.IntSecondDefault(config.KeepaliveSec, 60)
	pingTimeout := helpers.IntSecondDefault(config.PingTimeoutSec, 30)
	retryInterval := helpers.IntSecondDefault(config.KeepaliveSec/2, 30)
	storePath := config.StorePath
	if storePath == "" {
		storePath = "/var/lib/meatnet/telemessages"
	}

	mopt := mqtt.NewClientOptions().
		AddBroker(config.MqttBroker).
		SetBinaryWill(tm.topicConnect, []byte{0x00}, 1, true).
		SetCleanSession(false).
		SetClientID(clientID).
		SetCredentialsProvider(credFun).
		SetKeepAlive(keepAlive).
		SetPingTimeout(pingTimeout).
		SetOrderMatters(false).
		SetResumeSubs(true).
		SetStore(mqtt.NewFileStore(storePath)).
		SetConnectRetryInterval(retryInterval).
		SetOnConnectHandler(tm.onConnectHandler).
		SetConnectionLostHandler(tm.connectLostHandler).
		SetConnectRetry(true)
	tm.m = mqtt.NewClient(mopt)
	if token := tm.m.Connect(); token.Error() != nil {
		tm.log.Errorf("tele mqtt connect err=%v", token.Error())
	}
	return nil
}

func (tm *transportMqtt) Close() {
	tm.m.Publish(tm.topicConnect, 1, true, []byte{0x00})
	tm.m.Disconnect(500) // quiesce ms
}

func (tm *transportMqtt) SendState(payload []byte) bool {
	tm.log.Debugf("tele sendstate payload=%x", payload)
	tm.m.Publish(tm.topicState, 1, false, payload)
	return true
}

func (tm *transportMqtt) SendEvent(payload []byte) bool {
	tm.m.Publish(tm.topicEvent, 1, false, payload)
	return true
}

func (tm *transportMqtt) SendError(payload []byte) bool {
	tm.m.Publish(tm.topicError, 1, false, payload)
	return true
}

func (tm *transportMqtt) connectLostHandler(c mqtt.Client, err error) {
	tm.log.Infof("tele mqtt disconnect err=%v", err)
}

func (tm *transportMqtt) onConnectHandler(c mqtt.Client) {
	tm.log.Infof("tele mqtt connect")
	c.Publish(tm.topicConnect, 1, true, []byte{0x01})
}
