package lifecycle

import (
	"strings"

	"github.com/northstaraokeystone/gov-os/internal/ir"
	"github.com/northstaraokeystone/gov-os/internal/stoprule"
)

// Contract states.
const (
	ContractAnnounced  State = "ANNOUNCED"
	ContractRegistered State = "REGISTERED"
	ContractClosed     State = "CLOSED"
)

// Milestone states.
const (
	MilestonePending   State = "PENDING"
	MilestoneDelivered State = "DELIVERED"
	MilestoneVerified  State = State(stoprule.VerifiedState)
	MilestonePaid      State = "PAID"
	MilestoneDisputed  State = "DISPUTED"
)

// Workflow events.
const (
	EventAnnounce = "announce"
	EventRegister = "register"
	EventClose    = "close"
	EventDeliver  = "deliver"
	EventVerify   = "verify"
	EventDispute  = "dispute"
	EventPay      = "pay"
)

func entityKey(entityID string, _ ir.IRObject) string { return entityID }

// ContractWorkflow tracks a contract from announcement to closure. A contract
// may be registered without an announcement. Registration is unique per
// contract id.
func ContractWorkflow() Definition {
	return Definition{
		Name:    "contract",
		States:  []State{StateNone, ContractAnnounced, ContractRegistered, ContractClosed},
		Initial: StateNone,
		Transitions: []Transition{
			{From: StateNone, Event: EventAnnounce, To: ContractAnnounced, ReceiptType: ir.TypeContract},
			{From: StateNone, Event: EventRegister, To: ContractRegistered, ReceiptType: ir.TypeContract, UniqueKey: entityKey},
			{From: ContractAnnounced, Event: EventRegister, To: ContractRegistered, ReceiptType: ir.TypeContract, UniqueKey: entityKey},
			{From: ContractRegistered, Event: EventClose, To: ContractClosed, ReceiptType: ir.TypeContract},
		},
		Governs: func(id string) bool { return !strings.Contains(id, "/") },
	}
}

// MilestoneWorkflow tracks one milestone of a contract. Milestone entity ids
// are "<contract>/<milestone>". Payment is unique per milestone.
func MilestoneWorkflow() Definition {
	return Definition{
		Name:    "milestone",
		States:  []State{MilestonePending, MilestoneDelivered, MilestoneVerified, MilestonePaid, MilestoneDisputed},
		Initial: MilestonePending,
		Transitions: []Transition{
			{From: MilestonePending, Event: EventDeliver, To: MilestoneDelivered, ReceiptType: ir.TypeMilestone},
			{From: MilestoneDelivered, Event: EventVerify, To: MilestoneVerified, ReceiptType: ir.TypeMilestone},
			{From: MilestoneVerified, Event: EventPay, To: MilestonePaid, ReceiptType: ir.TypePayment, UniqueKey: entityKey},
			{From: MilestoneDelivered, Event: EventDispute, To: MilestoneDisputed, ReceiptType: ir.TypeMilestone},
			{From: MilestoneVerified, Event: EventDispute, To: MilestoneDisputed, ReceiptType: ir.TypeMilestone},
			{From: MilestoneDisputed, Event: EventDeliver, To: MilestoneDelivered, ReceiptType: ir.TypeMilestone},
		},
		Governs: func(id string) bool {
			c, m, ok := strings.Cut(id, "/")
			return ok && c != "" && m != "" && !strings.Contains(m, "/")
		},
	}
}

// MilestoneEntity returns the entity id of a contract's milestone.
func MilestoneEntity(contractID, milestoneID string) string {
	return contractID + "/" + milestoneID
}

// UniqueKeyOf returns the uniqueness scope the built-in workflows give r, or
// "" when r is unscoped. It reconstructs scopes for imported ledgers.
func UniqueKeyOf(r ir.Receipt) string {
	event := r.Payload.String(ir.KeyEvent)
	for _, def := range []Definition{ContractWorkflow(), MilestoneWorkflow()} {
		if !def.governs(r.EntityID) {
			continue
		}
		t, ok := def.eventTemplate(event)
		if !ok || t.ReceiptType != r.Type {
			return ""
		}
		return def.uniqueKey(event, r.EntityID, r.Payload)
	}
	return ""
}
