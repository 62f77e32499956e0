package protocol

import "fmt"

type methodKey struct {
	class, method uint16
}

var classNames = map[uint16]string{
	ClassConnection: "connection",
	ClassChannel:    "channel",
	ClassExchange:   "exchange",
	ClassQueue:      "queue",
	ClassBasic:      "basic",
	ClassConfirm:    "confirm",
	ClassTx:         "tx",
}

var methodNames = map[methodKey]string{
	{ClassConnection, MethodConnectionStart}:     "start",
	{ClassConnection, MethodConnectionStartOk}:   "start-ok",
	{ClassConnection, MethodConnectionSecure}:    "secure",
	{ClassConnection, MethodConnectionSecureOk}:  "secure-ok",
	{ClassConnection, MethodConnectionTune}:      "tune",
	{ClassConnection, MethodConnectionTuneOk}:    "tune-ok",
	{ClassConnection, MethodConnectionOpen}:      "open",
	{ClassConnection, MethodConnectionOpenOk}:    "open-ok",
	{ClassConnection, MethodConnectionClose}:     "close",
	{ClassConnection, MethodConnectionCloseOk}:   "close-ok",
	{ClassConnection, MethodConnectionBlocked}:   "blocked",
	{ClassConnection, MethodConnectionUnblocked}: "unblocked",

	{ClassChannel, MethodChannelOpen}:    "open",
	{ClassChannel, MethodChannelOpenOk}:  "open-ok",
	{ClassChannel, MethodChannelFlow}:    "flow",
	{ClassChannel, MethodChannelFlowOk}:  "flow-ok",
	{ClassChannel, MethodChannelClose}:   "close",
	{ClassChannel, MethodChannelCloseOk}: "close-ok",

	{ClassExchange, MethodExchangeDeclare}:   "declare",
	{ClassExchange, MethodExchangeDeclareOk}: "declare-ok",
	{ClassExchange, MethodExchangeDelete}:    "delete",
	{ClassExchange, MethodExchangeDeleteOk}:  "delete-ok",
	{ClassExchange, MethodExchangeBind}:      "bind",
	{ClassExchange, MethodExchangeBindOk}:    "bind-ok",
	{ClassExchange, MethodExchangeUnbind}:    "unbind",
	{ClassExchange, MethodExchangeUnbindOk}:  "unbind-ok",

	{ClassQueue, MethodQueueDeclare}:   "declare",
	{ClassQueue, MethodQueueDeclareOk}: "declare-ok",
	{ClassQueue, MethodQueueBind}:      "bind",
	{ClassQueue, MethodQueueBindOk}:    "bind-ok",
	{ClassQueue, MethodQueuePurge}:     "purge",
	{ClassQueue, MethodQueuePurgeOk}:   "purge-ok",
	{ClassQueue, MethodQueueDelete}:    "delete",
	{ClassQueue, MethodQueueDeleteOk}:  "delete-ok",
	{ClassQueue, MethodQueueUnbind}:    "unbind",
	{ClassQueue, MethodQueueUnbindOk}:  "unbind-ok",

	{ClassBasic, MethodBasicQos}:          "qos",
	{ClassBasic, MethodBasicQosOk}:        "qos-ok",
	{ClassBasic, MethodBasicConsume}:      "consume",
	{ClassBasic, MethodBasicConsumeOk}:    "consume-ok",
	{ClassBasic, MethodBasicCancel}:       "cancel",
	{ClassBasic, MethodBasicCancelOk}:     "cancel-ok",
	{ClassBasic, MethodBasicPublish}:      "publish",
	{ClassBasic, MethodBasicReturn}:       "return",
	{ClassBasic, MethodBasicDeliver}:      "deliver",
	{ClassBasic, MethodBasicGet}:          "get",
	{ClassBasic, MethodBasicGetOk}:        "get-ok",
	{ClassBasic, MethodBasicGetEmpty}:     "get-empty",
	{ClassBasic, MethodBasicAck}:          "ack",
	{ClassBasic, MethodBasicReject}:       "reject",
	{ClassBasic, MethodBasicRecoverAsync}: "recover-async",
	{ClassBasic, MethodBasicRecover}:      "recover",
	{ClassBasic, MethodBasicRecoverOk}:    "recover-ok",
	{ClassBasic, MethodBasicNack}:         "nack",

	{ClassConfirm, MethodConfirmSelect}:   "select",
	{ClassConfirm, MethodConfirmSelectOk}: "select-ok",

	{ClassTx, MethodTxSelect}:     "select",
	{ClassTx, MethodTxSelectOk}:   "select-ok",
	{ClassTx, MethodTxCommit}:     "commit",
	{ClassTx, MethodTxCommitOk}:   "commit-ok",
	{ClassTx, MethodTxRollback}:   "rollback",
	{ClassTx, MethodTxRollbackOk}: "rollback-ok",
}

// MethodName renders a class/method pair as "class.method", falling back to the
// numeric ids for pairs outside the known vocabulary.
func MethodName(classID, methodID uint16) string {
	class, ok := classNames[classID]
	if !ok {
		return fmt.Sprintf("%d.%d", classID, methodID)
	}
	method, ok := methodNames[methodKey{classID, methodID}]
	if !ok {
		return fmt.Sprintf("%s.%d", class, methodID)
	}
	return class + "." + method
}

// HasContent reports whether the method is followed by a content header and body frames.
func HasContent(classID, methodID uint16) bool {
	if classID != ClassBasic {
		return false
	}
	switch methodID {
	case MethodBasicPublish, MethodBasicReturn, MethodBasicDeliver, MethodBasicGetOk:
		return true
	}
	return false
}
