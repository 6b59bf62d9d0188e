package p2p

import (
	"context"
	"sync"

	pubsub "github.com/libp2p/go-libp2p-pubsub"

	"github.com/dcz-labs/duplexbft/internal/consensus"
	"github.com/dcz-labs/duplexbft/internal/types"
	"go.uber.org/zap"
)

// Compile-time check that P2PTransport implements consensus.Transport.
var _ consensus.Transport = (*P2PTransport)(nil)

// MessageSubscription holds channels for receiving decoded consensus
// messages, OPT-path and PES-path alike.
type MessageSubscription struct {
	Proposals chan *types.Proposal
	Votes     chan *types.Vote
	Timeouts  chan *types.TimeoutMessage

	SPBProposes   chan *types.SPBPropose
	SPBVotes      chan *types.SPBVote
	SPBFinishes   chan *types.SPBFinish
	DoneAndShares chan *types.DoneAndShare
	PreVotes      chan *types.MPreVote
	MVotes        chan *types.MVote
	Halts         chan *types.MHalt
	PrePares      chan *types.PrePare
}

// P2PTransport implements consensus.Transport over GossipSub.
type P2PTransport struct {
	host    *Host
	valSet  *types.ValidatorSet
	metrics *Metrics
	logger  *zap.Logger

	mu   sync.RWMutex
	subs []MessageSubscription

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewP2PTransport creates a transport that bridges GossipSub and the consensus engine.
func NewP2PTransport(host *Host, valSet *types.ValidatorSet, logger *zap.Logger) *P2PTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := host.metrics
	if metrics == nil {
		metrics = NopMetrics()
	}
	return &P2PTransport{
		host:    host,
		valSet:  valSet,
		metrics: metrics,
		logger:  logger,
	}
}

// BroadcastProposal publishes a proposal to the consensus topic.
func (t *P2PTransport) BroadcastProposal(proposal *types.Proposal) error {
	data, err := EncodeProposal(proposal)
	if err != nil {
		return err
	}
	t.metrics.MessagesSent.WithLabelValues("proposal").Inc()
	return t.host.gossip.Publish(context.TODO(), TopicConsensus, data)
}

// BroadcastVote publishes a vote to the consensus topic.
func (t *P2PTransport) BroadcastVote(vote *types.Vote) error {
	data, err := EncodeVote(vote)
	if err != nil {
		return err
	}
	t.metrics.MessagesSent.WithLabelValues("vote").Inc()
	return t.host.gossip.Publish(context.TODO(), TopicConsensus, data)
}

// BroadcastTimeout publishes a timeout message to the consensus topic.
func (t *P2PTransport) BroadcastTimeout(msg *types.TimeoutMessage) error {
	data, err := EncodeTimeout(msg)
	if err != nil {
		return err
	}
	t.metrics.MessagesSent.WithLabelValues("timeout").Inc()
	return t.host.gossip.Publish(context.TODO(), TopicConsensus, data)
}

// BroadcastSPBPropose publishes an SPB phase proposal to the PES topic.
func (t *P2PTransport) BroadcastSPBPropose(msg *types.SPBPropose) error {
	data, err := EncodeSPBPropose(msg)
	if err != nil {
		return err
	}
	t.metrics.MessagesSent.WithLabelValues("spb_propose").Inc()
	return t.host.gossip.Publish(context.TODO(), TopicPES, data)
}

// BroadcastSPBVote publishes an SPB phase vote to the PES topic.
func (t *P2PTransport) BroadcastSPBVote(msg *types.SPBVote) error {
	data, err := EncodeSPBVote(msg)
	if err != nil {
		return err
	}
	t.metrics.MessagesSent.WithLabelValues("spb_vote").Inc()
	return t.host.gossip.Publish(context.TODO(), TopicPES, data)
}

// BroadcastSPBFinish publishes an SPB completion to the PES topic.
func (t *P2PTransport) BroadcastSPBFinish(msg *types.SPBFinish) error {
	data, err := EncodeSPBFinish(msg)
	if err != nil {
		return err
	}
	t.metrics.MessagesSent.WithLabelValues("spb_finish").Inc()
	return t.host.gossip.Publish(context.TODO(), TopicPES, data)
}

// BroadcastDoneAndShare publishes a coin share to the PES topic.
func (t *P2PTransport) BroadcastDoneAndShare(msg *types.DoneAndShare) error {
	data, err := EncodeDoneAndShare(msg)
	if err != nil {
		return err
	}
	t.metrics.MessagesSent.WithLabelValues("done_and_share").Inc()
	return t.host.gossip.Publish(context.TODO(), TopicPES, data)
}

// BroadcastPreVote publishes an MVBA pre-vote to the PES topic.
func (t *P2PTransport) BroadcastPreVote(msg *types.MPreVote) error {
	data, err := EncodePreVote(msg)
	if err != nil {
		return err
	}
	t.metrics.MessagesSent.WithLabelValues("pre_vote").Inc()
	return t.host.gossip.Publish(context.TODO(), TopicPES, data)
}

// BroadcastMVote publishes an MVBA vote to the PES topic.
func (t *P2PTransport) BroadcastMVote(msg *types.MVote) error {
	data, err := EncodeMVote(msg)
	if err != nil {
		return err
	}
	t.metrics.MessagesSent.WithLabelValues("mvote").Inc()
	return t.host.gossip.Publish(context.TODO(), TopicPES, data)
}

// BroadcastHalt publishes an MVBA decision to the PES topic.
func (t *P2PTransport) BroadcastHalt(msg *types.MHalt) error {
	data, err := EncodeHalt(msg)
	if err != nil {
		return err
	}
	t.metrics.MessagesSent.WithLabelValues("halt").Inc()
	return t.host.gossip.Publish(context.TODO(), TopicPES, data)
}

// BroadcastPrePare publishes a PrePare to the consensus topic: it names
// which path a replica believes will win, so it travels alongside
// proposals/votes rather than the higher-volume PES traffic.
func (t *P2PTransport) BroadcastPrePare(msg *types.PrePare) error {
	data, err := EncodePrePare(msg)
	if err != nil {
		return err
	}
	t.metrics.MessagesSent.WithLabelValues("prepare").Inc()
	return t.host.gossip.Publish(context.TODO(), TopicConsensus, data)
}

// Subscribe returns a MessageSubscription for receiving decoded consensus messages.
func (t *P2PTransport) Subscribe() MessageSubscription {
	sub := MessageSubscription{
		Proposals:     make(chan *types.Proposal, 16),
		Votes:         make(chan *types.Vote, 64),
		Timeouts:      make(chan *types.TimeoutMessage, 16),
		SPBProposes:   make(chan *types.SPBPropose, 64),
		SPBVotes:      make(chan *types.SPBVote, 256),
		SPBFinishes:   make(chan *types.SPBFinish, 64),
		DoneAndShares: make(chan *types.DoneAndShare, 64),
		PreVotes:      make(chan *types.MPreVote, 64),
		MVotes:        make(chan *types.MVote, 64),
		Halts:         make(chan *types.MHalt, 16),
		PrePares:      make(chan *types.PrePare, 64),
	}
	t.mu.Lock()
	t.subs = append(t.subs, sub)
	t.mu.Unlock()
	return sub
}

// UpdateValidatorSet atomically updates the validator set used for message validation.
func (t *P2PTransport) UpdateValidatorSet(valSet *types.ValidatorSet) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.valSet = valSet
}

// Start begins reading from the GossipSub consensus and PES subscriptions,
// validating messages and dispatching to subscriber channels.
func (t *P2PTransport) Start(ctx context.Context) error {
	consensusSub, err := t.host.gossip.Subscribe(TopicConsensus)
	if err != nil {
		return err
	}
	pesSub, err := t.host.gossip.Subscribe(TopicPES)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	t.wg.Add(2)
	go func() {
		defer t.wg.Done()
		t.readLoop(ctx, consensusSub)
	}()
	go func() {
		defer t.wg.Done()
		t.readLoop(ctx, pesSub)
	}()

	return nil
}

// Stop shuts down the transport read loop.
func (t *P2PTransport) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
}

func (t *P2PTransport) readLoop(ctx context.Context, sub *pubsub.Subscription) {
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.logger.Warn("gossip subscription error", zap.Error(err))
			return
		}

		// Skip our own messages.
		if msg.ReceivedFrom == t.host.ID() {
			continue
		}

		t.handleMessage(msg.Data, msg.ReceivedFrom)
	}
}

func (t *P2PTransport) handleMessage(data []byte, from interface{ String() string }) {
	msgType, decoded, err := DecodeMessage(data)
	if err != nil {
		t.metrics.MessagesRejected.WithLabelValues("decode_error").Inc()
		t.logger.Debug("failed to decode message", zap.Error(err))
		return
	}

	t.mu.RLock()
	valSet := t.valSet
	t.mu.RUnlock()

	switch msgType {
	case MsgProposal:
		proposal := decoded.(*types.Proposal)
		t.metrics.MessagesReceived.WithLabelValues("proposal").Inc()
		t.dispatchProposal(proposal)

	case MsgVote:
		vote := decoded.(*types.Vote)
		// Two-stage validation: voter must be in validator set with valid signature.
		if valSet != nil {
			val, ok := valSet.GetByAddress(vote.VoterID)
			if !ok {
				t.metrics.MessagesRejected.WithLabelValues("unknown_validator").Inc()
				return
			}
			if !vote.Verify(val.PublicKey) {
				t.metrics.MessagesRejected.WithLabelValues("invalid_signature").Inc()
				return
			}
		}
		t.metrics.MessagesReceived.WithLabelValues("vote").Inc()
		t.dispatchVote(vote)

	case MsgTimeout:
		tm := decoded.(*types.TimeoutMessage)
		t.metrics.MessagesReceived.WithLabelValues("timeout").Inc()
		t.dispatchTimeout(tm)

	case MsgSPBPropose:
		p := decoded.(*types.SPBPropose)
		t.metrics.MessagesReceived.WithLabelValues("spb_propose").Inc()
		t.dispatchSPBPropose(p)

	case MsgSPBVote:
		v := decoded.(*types.SPBVote)
		t.metrics.MessagesReceived.WithLabelValues("spb_vote").Inc()
		t.dispatchSPBVote(v)

	case MsgSPBFinish:
		f := decoded.(*types.SPBFinish)
		t.metrics.MessagesReceived.WithLabelValues("spb_finish").Inc()
		t.dispatchSPBFinish(f)

	case MsgDoneAndShare:
		d := decoded.(*types.DoneAndShare)
		t.metrics.MessagesReceived.WithLabelValues("done_and_share").Inc()
		t.dispatchDoneAndShare(d)

	case MsgPreVote:
		pv := decoded.(*types.MPreVote)
		t.metrics.MessagesReceived.WithLabelValues("pre_vote").Inc()
		t.dispatchPreVote(pv)

	case MsgMVote:
		v := decoded.(*types.MVote)
		t.metrics.MessagesReceived.WithLabelValues("mvote").Inc()
		t.dispatchMVote(v)

	case MsgHalt:
		h := decoded.(*types.MHalt)
		t.metrics.MessagesReceived.WithLabelValues("halt").Inc()
		t.dispatchHalt(h)

	case MsgPrePare:
		p := decoded.(*types.PrePare)
		t.metrics.MessagesReceived.WithLabelValues("prepare").Inc()
		t.dispatchPrePare(p)
	}
}

func (t *P2PTransport) dispatchProposal(p *types.Proposal) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, sub := range t.subs {
		select {
		case sub.Proposals <- p:
		default:
			t.logger.Warn("proposal subscriber channel full, dropping")
		}
	}
}

func (t *P2PTransport) dispatchVote(v *types.Vote) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, sub := range t.subs {
		select {
		case sub.Votes <- v:
		default:
			t.logger.Warn("vote subscriber channel full, dropping")
		}
	}
}

func (t *P2PTransport) dispatchTimeout(tm *types.TimeoutMessage) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, sub := range t.subs {
		select {
		case sub.Timeouts <- tm:
		default:
			t.logger.Warn("timeout subscriber channel full, dropping")
		}
	}
}

func (t *P2PTransport) dispatchSPBPropose(p *types.SPBPropose) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, sub := range t.subs {
		select {
		case sub.SPBProposes <- p:
		default:
			t.logger.Warn("spb propose subscriber channel full, dropping")
		}
	}
}

func (t *P2PTransport) dispatchSPBVote(v *types.SPBVote) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, sub := range t.subs {
		select {
		case sub.SPBVotes <- v:
		default:
			t.logger.Warn("spb vote subscriber channel full, dropping")
		}
	}
}

func (t *P2PTransport) dispatchSPBFinish(f *types.SPBFinish) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, sub := range t.subs {
		select {
		case sub.SPBFinishes <- f:
		default:
			t.logger.Warn("spb finish subscriber channel full, dropping")
		}
	}
}

func (t *P2PTransport) dispatchDoneAndShare(d *types.DoneAndShare) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, sub := range t.subs {
		select {
		case sub.DoneAndShares <- d:
		default:
			t.logger.Warn("done-and-share subscriber channel full, dropping")
		}
	}
}

func (t *P2PTransport) dispatchPreVote(pv *types.MPreVote) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, sub := range t.subs {
		select {
		case sub.PreVotes <- pv:
		default:
			t.logger.Warn("pre-vote subscriber channel full, dropping")
		}
	}
}

func (t *P2PTransport) dispatchMVote(v *types.MVote) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, sub := range t.subs {
		select {
		case sub.MVotes <- v:
		default:
			t.logger.Warn("mvote subscriber channel full, dropping")
		}
	}
}

func (t *P2PTransport) dispatchHalt(h *types.MHalt) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, sub := range t.subs {
		select {
		case sub.Halts <- h:
		default:
			t.logger.Warn("halt subscriber channel full, dropping")
		}
	}
}

func (t *P2PTransport) dispatchPrePare(p *types.PrePare) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, sub := range t.subs {
		select {
		case sub.PrePares <- p:
		default:
			t.logger.Warn("prepare subscriber channel full, dropping")
		}
	}
}
