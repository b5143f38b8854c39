package lifecycle

import (
	"context"
	"fmt"
	"math"

	"github.com/northstaraokeystone/gov-os/internal/ir"
	"github.com/northstaraokeystone/gov-os/internal/ledger"
	"github.com/northstaraokeystone/gov-os/internal/stoprule"
)

// Payload fields written by the Service.
const (
	FieldContractID  = "contract_id"
	FieldMilestoneID = "milestone_id"
)

// MilestoneSpec declares one milestone of a contract.
type MilestoneSpec struct {
	ID     string  `json:"id" yaml:"id"`
	Amount float64 `json:"amount" yaml:"amount"`
}

// ContractSpec describes a contract to announce or register.
type ContractSpec struct {
	// ID is generated when empty.
	ID         string
	Amount     float64
	Milestones []MilestoneSpec

	// Agency pays Vendor. Both are optional.
	Agency string
	Vendor string

	Citations []string

	// Attributes are copied into the receipt payload.
	Attributes ir.IRObject
}

// EvenSplit declares n milestones M1..Mn sharing amount. Integral amounts
// split into integral parts; the last milestone absorbs the remainder.
func EvenSplit(amount float64, n int) []MilestoneSpec {
	if n <= 0 {
		return nil
	}
	out := make([]MilestoneSpec, n)
	part := amount / float64(n)
	if amount == math.Trunc(amount) {
		part = math.Floor(amount / float64(n))
	}
	for i := range out {
		out[i] = MilestoneSpec{ID: fmt.Sprintf("M%d", i+1), Amount: part}
	}
	out[n-1].Amount = amount - part*float64(n-1)
	return out
}

// MilestoneStatus is a declared milestone and its current state.
type MilestoneStatus struct {
	ContractID  string  `json:"contract_id"`
	MilestoneID string  `json:"milestone_id"`
	EntityID    string  `json:"entity_id"`
	Amount      float64 `json:"amount"`
	State       State   `json:"state"`
	Review      bool    `json:"review"`
}

// Service runs the contract and milestone workflows over one ledger.
type Service struct {
	ledger     *ledger.Ledger
	contracts  *Machine
	milestones *Machine
	ids        IDGenerator
}

// NewService builds both workflows with opts. ids may be nil, in which case
// contract ids are UUIDv7.
func NewService(l *ledger.Ledger, engine *stoprule.Engine, ids IDGenerator, opts ...MachineOption) (*Service, error) {
	if ids == nil {
		ids = UUIDv7Generator{}
	}
	contract, milestone := ContractWorkflow(), MilestoneWorkflow()
	cm, err := NewMachine(l, engine, contract, append(opts, WithWorkflows(milestone))...)
	if err != nil {
		return nil, err
	}
	mm, err := NewMachine(l, engine, milestone, append(opts, WithWorkflows(contract))...)
	if err != nil {
		return nil, err
	}
	return &Service{ledger: l, contracts: cm, milestones: mm, ids: ids}, nil
}

// Ledger returns the underlying ledger.
func (s *Service) Ledger() *ledger.Ledger { return s.ledger }

// ContractMachine returns the contract workflow machine.
func (s *Service) ContractMachine() *Machine { return s.contracts }

// MilestoneMachine returns the milestone workflow machine.
func (s *Service) MilestoneMachine() *Machine { return s.milestones }

// Machine returns the machine governing entityID.
func (s *Service) Machine(entityID string) (*Machine, error) {
	switch {
	case s.milestones.def.governs(entityID):
		return s.milestones, nil
	case s.contracts.def.governs(entityID):
		return s.contracts, nil
	}
	return nil, fmt.Errorf("no workflow governs entity %q", entityID)
}

// Submit routes a generic proposal to the workflow governing its entity.
func (s *Service) Submit(ctx context.Context, p Proposal) (Outcome, error) {
	m, err := s.Machine(p.EntityID)
	if err != nil {
		return Outcome{}, err
	}
	return m.Propose(ctx, p)
}

// State returns the current state of any governed entity.
func (s *Service) State(ctx context.Context, entityID string) (State, error) {
	m, err := s.Machine(entityID)
	if err != nil {
		return "", err
	}
	return m.State(ctx, entityID)
}

// AnnounceContract records a claimed contract that is not yet filed.
func (s *Service) AnnounceContract(ctx context.Context, spec ContractSpec) (Outcome, error) {
	return s.proposeContract(ctx, EventAnnounce, spec)
}

// RegisterContract records a filed contract with its milestones. A second
// registration of the same contract id fails with *ledger.DuplicateError.
func (s *Service) RegisterContract(ctx context.Context, spec ContractSpec) (Outcome, error) {
	return s.proposeContract(ctx, EventRegister, spec)
}

// CloseContract closes a registered contract.
func (s *Service) CloseContract(ctx context.Context, contractID string, citations []string) (Outcome, error) {
	return s.contracts.Propose(ctx, Proposal{
		EntityID:  contractID,
		Event:     EventClose,
		Payload:   ir.IRObject{FieldContractID: ir.IRString(contractID)},
		Citations: citations,
	})
}

func (s *Service) proposeContract(ctx context.Context, event string, spec ContractSpec) (Outcome, error) {
	if spec.ID == "" {
		spec.ID = s.ids.Generate()
	}
	payload := spec.Attributes.Clone()
	if payload == nil {
		payload = ir.IRObject{}
	}
	payload[FieldContractID] = ir.IRString(spec.ID)
	if spec.Amount != 0 {
		payload[stoprule.FieldAmount] = amountValue(spec.Amount)
	}
	if len(spec.Milestones) > 0 {
		ms := make(ir.IRArray, len(spec.Milestones))
		for i, m := range spec.Milestones {
			ms[i] = ir.NewIRObjectFromPairs(
				ir.O(stoprule.FieldID, ir.IRString(m.ID)),
				ir.O(stoprule.FieldAmount, amountValue(m.Amount)),
			)
		}
		payload[stoprule.FieldMilestones] = ms
	}
	if spec.Agency != "" && spec.Vendor != "" {
		payload[stoprule.FieldFromParty] = ir.IRString(spec.Agency)
		payload[stoprule.FieldToParty] = ir.IRString(spec.Vendor)
	}
	return s.contracts.Propose(ctx, Proposal{
		EntityID:  spec.ID,
		Event:     event,
		Payload:   payload,
		Citations: spec.Citations,
	})
}

// SubmitDeliverable records delivery of a milestone. Attributes are copied
// into the payload.
func (s *Service) SubmitDeliverable(ctx context.Context, contractID, milestoneID string, citations []string, attrs ir.IRObject) (Outcome, error) {
	return s.proposeMilestone(ctx, EventDeliver, contractID, milestoneID, citations, attrs)
}

// VerifyMilestone records verification of a delivered milestone. A
// proof_valid attribute is checked by the external proof stoprule.
func (s *Service) VerifyMilestone(ctx context.Context, contractID, milestoneID string, citations []string, attrs ir.IRObject) (Outcome, error) {
	return s.proposeMilestone(ctx, EventVerify, contractID, milestoneID, citations, attrs)
}

// DisputeMilestone moves a delivered or verified milestone to DISPUTED.
func (s *Service) DisputeMilestone(ctx context.Context, contractID, milestoneID, reason string, citations []string) (Outcome, error) {
	return s.proposeMilestone(ctx, EventDispute, contractID, milestoneID, citations,
		ir.IRObject{FieldReason: ir.IRString(reason)})
}

// ReleasePayment pays a milestone its declared amount. The payment commits
// only when the milestone is exactly VERIFIED, and at most once.
func (s *Service) ReleasePayment(ctx context.Context, contractID, milestoneID string, citations []string) (Outcome, error) {
	view := newSnapshot(s.ledger, s.contracts.workflows)
	attrs := ir.IRObject{}
	declared, ok, err := stoprule.DeclaredMilestones(ctx, view, contractID)
	if err != nil {
		return Outcome{}, err
	}
	if ok {
		if amt, ok := stoprule.MilestoneAmount(declared, milestoneID); ok {
			attrs[stoprule.FieldAmount] = amountValue(amt)
		}
	}
	from, to, err := s.parties(ctx, view, contractID)
	if err != nil {
		return Outcome{}, err
	}
	if from != "" && to != "" {
		attrs[stoprule.FieldFromParty] = ir.IRString(from)
		attrs[stoprule.FieldToParty] = ir.IRString(to)
	}
	return s.proposeMilestone(ctx, EventPay, contractID, milestoneID, citations, attrs)
}

func (s *Service) parties(ctx context.Context, view *snapshot, contractID string) (string, string, error) {
	rs, err := view.Receipts(ctx, ledger.Filter{Types: []ir.ReceiptType{ir.TypeContract}, EntityID: contractID})
	if err != nil {
		return "", "", err
	}
	for i := len(rs) - 1; i >= 0; i-- {
		from, to := rs[i].Payload.String(stoprule.FieldFromParty), rs[i].Payload.String(stoprule.FieldToParty)
		if from != "" && to != "" {
			return from, to, nil
		}
	}
	return "", "", nil
}

func (s *Service) proposeMilestone(ctx context.Context, event, contractID, milestoneID string, citations []string, attrs ir.IRObject) (Outcome, error) {
	payload := attrs.Clone()
	if payload == nil {
		payload = ir.IRObject{}
	}
	payload[FieldContractID] = ir.IRString(contractID)
	payload[FieldMilestoneID] = ir.IRString(milestoneID)
	return s.milestones.Propose(ctx, Proposal{
		EntityID:  MilestoneEntity(contractID, milestoneID),
		Event:     event,
		Payload:   payload,
		Citations: citations,
	})
}

// Milestones lists the declared milestones of a contract with their states.
func (s *Service) Milestones(ctx context.Context, contractID string) ([]MilestoneStatus, error) {
	view := newSnapshot(s.ledger, s.contracts.workflows)
	declared, ok, err := stoprule.DeclaredMilestones(ctx, view, contractID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("contract %s declares no milestones", contractID)
	}
	out := make([]MilestoneStatus, 0, len(declared))
	for _, d := range declared {
		obj, ok := d.(ir.IRObject)
		if !ok {
			continue
		}
		id := obj.String(stoprule.FieldID)
		amount, _ := obj.Number(stoprule.FieldAmount)
		entity := MilestoneEntity(contractID, id)
		p, err := s.milestones.Projection(ctx, entity)
		if err != nil {
			return nil, err
		}
		out = append(out, MilestoneStatus{
			ContractID:  contractID,
			MilestoneID: id,
			EntityID:    entity,
			Amount:      amount,
			State:       p.State,
			Review:      p.Review,
		})
	}
	return out, nil
}

// Rebuild replays every projection of both workflows.
func (s *Service) Rebuild(ctx context.Context) (int, error) {
	n, err := s.contracts.Rebuild(ctx)
	if err != nil {
		return n, err
	}
	k, err := s.milestones.Rebuild(ctx)
	return n + k, err
}

func amountValue(f float64) ir.IRValue {
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return ir.IRInt(int64(f))
	}
	return ir.IRFloat(f)
}
