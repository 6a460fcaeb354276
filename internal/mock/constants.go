package mock

import (
	"github.com/R3E-Network/service_bridge/internal/crypto"
	"github.com/R3E-Network/service_bridge/internal/proxy"
)

// Defaults seeded into every new service builder, so an unconfigured
// builder still builds a usable service.
const (
	DefaultID   uint16 = 42
	DefaultName        = "service 42"
)

// DefaultStateHashInput is hashed to produce the default state hash.
var DefaultStateHashInput = []byte{1, 2, 3}

// DefaultStateHash returns the single state hash of an unconfigured service.
func DefaultStateHash() crypto.Hash {
	return crypto.Hash256(DefaultStateHashInput)
}

// Managed-side classes of the builder protocol.
const (
	NativeFacadeClass           = "fakes.NativeFacade"
	ServiceMockBuilderClass     = "fakes.mocks.ServiceAdapterMockBuilder"
	TransactionMockBuilderClass = "fakes.mocks.TransactionAdapterMockBuilder"
	MockInteractionClass        = "fakes.mocks.MockInteraction"
)

// Static factories on NativeFacadeClass.
var (
	methodCreateServiceBuilder     = proxy.Method{Name: "createServiceFakeBuilder", Desc: "()L" + ServiceMockBuilderClass + ";"}
	methodCreateTransactionBuilder = proxy.Method{Name: "createTransactionFakeBuilder", Desc: "()L" + TransactionMockBuilderClass + ";"}
)

// Service builder methods.
var (
	methodID                          = proxy.Method{Name: "id", Desc: "(S)V"}
	methodName                        = proxy.Method{Name: "name", Desc: "(LString;)V"}
	methodConvertTransaction          = proxy.Method{Name: "convertTransaction", Desc: "(L" + proxy.TransactionAdapterClass + ";)V"}
	methodConvertTransactionThrowing  = proxy.Method{Name: "convertTransactionThrowing", Desc: "(LClass;)V"}
	methodStateHashes                 = proxy.Method{Name: "stateHashes", Desc: "([[B)V"}
	methodStateHashesThrowing         = proxy.Method{Name: "stateHashesThrowing", Desc: "(LClass;)V"}
	methodInitialGlobalConfig         = proxy.Method{Name: "initialGlobalConfig", Desc: "(LString;)V"}
	methodInitialGlobalConfigThrowing = proxy.Method{Name: "initialGlobalConfigThrowing", Desc: "(LClass;)V"}
	methodAfterCommitThrowing         = proxy.Method{Name: "afterCommitHandlerThrowing", Desc: "(LClass;)V"}
	methodGetMockInteraction          = proxy.Method{Name: "getMockInteractionAfterCommit", Desc: "()L" + MockInteractionClass + ";"}
	methodBuildService                = proxy.Method{Name: "build", Desc: "()L" + proxy.ServiceAdapterClass + ";"}
)

// Transaction builder methods.
var (
	methodValid            = proxy.Method{Name: "valid", Desc: "(Z)V"}
	methodInfo             = proxy.Method{Name: "info", Desc: "(LString;)V"}
	methodExecuteThrowing  = proxy.Method{Name: "executeThrowing", Desc: "(LClass;)V"}
	methodBuildTransaction = proxy.Method{Name: "build", Desc: "()L" + proxy.TransactionAdapterClass + ";"}
)

// Mock interaction methods.
var (
	methodGetCalls = proxy.Method{Name: "getCalls", Desc: "()[LString;"}
)
