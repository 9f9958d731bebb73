// swarm-client is an interactive REPL against a local swarm memory
// engine, for poking at entries, patterns, learning state, and plans.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/peterh/liner"

	"github.com/swarmmem/swarmmem/pkg/agent"
	"github.com/swarmmem/swarmmem/pkg/config"
	"github.com/swarmmem/swarmmem/pkg/goap"
	"github.com/swarmmem/swarmmem/pkg/log"
	"github.com/swarmmem/swarmmem/pkg/memory"
	"github.com/swarmmem/swarmmem/pkg/pattern"
	"github.com/swarmmem/swarmmem/pkg/swarmmem"
)

const (
	cmdHelp        = "!help"
	cmdQuit        = "!quit"
	cmdAgent       = "!agent"
	cmdTeam        = "!team"
	cmdSwarm       = "!swarm"
	cmdLevel       = "!level"
	cmdStore       = "!store"
	cmdGet         = "!get"
	cmdDel         = "!del"
	cmdHint        = "!hint"
	cmdHints       = "!hints"
	cmdPattern     = "!pattern"
	cmdPatterns    = "!patterns"
	cmdOutcome     = "!outcome"
	cmdReward      = "!reward"
	cmdStrategy    = "!strategy"
	cmdPlan        = "!plan"
	cmdConsolidate = "!consolidate"
	cmdSweep       = "!sweep"
	cmdMetrics     = "!metrics"
)

const helpText = `
Swarm Memory Client - Command Reference:
-----------------------------------------
!help                      - Show this help message
!agent <id>                - Set the current agent ID
!team <id>                 - Set the current team ID
!swarm <id>                - Set the current swarm ID
!level <level>             - Set the access level for stores (private|team|swarm|public|system)
!store <key> <value>       - Store a memory entry (value may be JSON)
!get <key>                 - Retrieve a memory entry
!del <key>                 - Delete a memory entry
!hint <partition> <text>   - Post a hint into a partition
!hints <partition>         - Read the live hints of a partition
!pattern <domain> <text>   - Store or merge a pattern in a domain
!patterns <domain>         - List the patterns of a domain
!outcome <id> <ok|fail>    - Record a pattern outcome
!reward <state> <action> <reward> <next-state> - Record a learning experience
!strategy <state>          - Recommend the best learned action for a state
!plan <goal-id> [fact ...] - Formulate a plan from the given true facts
!consolidate               - Run one pattern consolidation pass
!sweep                     - Remove expired rows now
!metrics                   - Show sync transport metrics
!quit                      - Exit`

const historyFile = ".swarmmem_history"

// session carries the REPL's current identity and store settings.
type session struct {
	engine *swarmmem.Engine
	agent  agent.ID
	team   string
	swarm  string
	level  agent.AccessLevel
}

func (s *session) ctx() context.Context {
	return agent.ContextWithAgent(context.Background(),
		agent.NewContext(s.agent, s.team, s.swarm))
}

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	stdinMode := flag.Bool("s", false, "Read from stdin and exit when complete")
	flag.Parse()

	_ = godotenv.Load()

	log.Setup(log.Config{
		Level:  log.WarnLevel,
		Format: log.TextFormat,
	})

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.LoadFromFile(*configPath)
		if err != nil {
			fmt.Printf("Failed to load configuration: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	ctx := context.Background()
	engine, err := swarmmem.Open(ctx, cfg)
	if err != nil {
		fmt.Printf("Failed to initialize engine: %v\n", err)
		os.Exit(1)
	}
	if err := engine.Start(ctx); err != nil {
		fmt.Printf("Failed to start engine: %v\n", err)
		os.Exit(1)
	}
	defer engine.Stop(context.Background())

	sess := &session{
		engine: engine,
		agent:  "repl-agent",
		level:  agent.AccessPrivate,
	}

	fmt.Println("\n=== Swarm Memory Client ===")
	fmt.Println("Storage:", cfg.Storage.Driver)
	fmt.Printf("Current agent: %s\n", sess.agent)
	fmt.Println("Type !help for available commands.")

	if *stdinMode {
		runStdin(sess)
		return
	}
	runInteractive(sess)
}

func runStdin(sess *session) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input == "" || strings.HasPrefix(input, "#") {
			continue
		}
		if input == cmdQuit {
			break
		}
		fmt.Printf("swarmmem::%s> %s\n", sess.agent, input)
		processCommand(sess, input)
	}
	if err := scanner.Err(); err != nil {
		fmt.Printf("Error reading stdin: %v\n", err)
	}
	fmt.Println("Goodbye!")
}

func runInteractive(sess *session) {
	line := liner.NewLiner()
	defer line.Close()

	line.SetCtrlCAborts(true)
	line.SetCompleter(func(prefix string) (c []string) {
		commands := []string{
			cmdHelp, cmdQuit, cmdAgent, cmdTeam, cmdSwarm, cmdLevel,
			cmdStore, cmdGet, cmdDel, cmdHint, cmdHints,
			cmdPattern, cmdPatterns, cmdOutcome, cmdReward, cmdStrategy,
			cmdPlan, cmdConsolidate, cmdSweep, cmdMetrics,
		}
		for _, cmd := range commands {
			if strings.HasPrefix(cmd, prefix) {
				c = append(c, cmd)
			}
		}
		return
	})

	if f, err := os.Open(historyFile); err == nil {
		line.ReadHistory(f)
		f.Close()
	}
	defer func() {
		if f, err := os.Create(historyFile); err == nil {
			line.WriteHistory(f)
			f.Close()
		}
	}()

	for {
		input, err := line.Prompt(fmt.Sprintf("swarmmem::%s> ", sess.agent))
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				fmt.Println("\nGoodbye!")
				return
			}
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		if input == cmdQuit {
			fmt.Println("Goodbye!")
			return
		}
		processCommand(sess, input)
	}
}

func processCommand(sess *session, input string) {
	parts := strings.SplitN(input, " ", 2)
	cmd := parts[0]
	rest := ""
	if len(parts) == 2 {
		rest = strings.TrimSpace(parts[1])
	}

	switch cmd {
	case cmdHelp:
		fmt.Println(helpText)

	case cmdAgent:
		if rest == "" {
			fmt.Printf("Current agent: %s\n", sess.agent)
			return
		}
		sess.agent = agent.ID(rest)
		fmt.Printf("Agent set to: %s\n", sess.agent)

	case cmdTeam:
		sess.team = rest
		fmt.Printf("Team set to: %s\n", sess.team)

	case cmdSwarm:
		sess.swarm = rest
		fmt.Printf("Swarm set to: %s\n", sess.swarm)

	case cmdLevel:
		level, err := agent.ParseAccessLevel(rest)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}
		sess.level = level
		fmt.Printf("Access level set to: %s\n", sess.level)

	case cmdStore:
		key, value, ok := splitTwo(rest)
		if !ok {
			fmt.Println("Usage: !store <key> <value>")
			return
		}
		err := sess.engine.Store(sess.ctx(), key, rawValue(value), memory.StoreOptions{
			AccessLevel: sess.level,
			TeamID:      sess.team,
			SwarmID:     sess.swarm,
		})
		if err != nil {
			fmt.Printf("Error storing entry: %v\n", err)
			return
		}
		fmt.Printf("Stored %q at level %s\n", key, sess.level)

	case cmdGet:
		entry, err := sess.engine.Retrieve(sess.ctx(), rest, memory.RetrieveOptions{})
		if err != nil {
			fmt.Printf("Error retrieving entry: %v\n", err)
			return
		}
		fmt.Printf("%s = %s (owner %s, level %s)\n",
			entry.Key, string(entry.Value), entry.Owner, entry.AccessLevel)

	case cmdDel:
		if err := sess.engine.Delete(sess.ctx(), rest, ""); err != nil {
			fmt.Printf("Error deleting entry: %v\n", err)
			return
		}
		fmt.Printf("Deleted %q\n", rest)

	case cmdHint:
		partition, text, ok := splitTwo(rest)
		if !ok {
			fmt.Println("Usage: !hint <partition> <text>")
			return
		}
		hint, err := sess.engine.Board().PostHint(sess.ctx(), partition, rawValue(text), 0)
		if err != nil {
			fmt.Printf("Error posting hint: %v\n", err)
			return
		}
		fmt.Printf("Posted hint %s to partition %q\n", hint.ID, partition)

	case cmdHints:
		hints, err := sess.engine.Board().ReadHints(sess.ctx(), rest)
		if err != nil {
			fmt.Printf("Error reading hints: %v\n", err)
			return
		}
		if len(hints) == 0 {
			fmt.Println("No live hints.")
			return
		}
		for i, h := range hints {
			fmt.Printf("Hint %d [%s]: %s\n", i+1, h.Source, string(h.Payload))
		}

	case cmdPattern:
		domain, content, ok := splitTwo(rest)
		if !ok {
			fmt.Println("Usage: !pattern <domain> <text>")
			return
		}
		p, err := sess.engine.StorePattern(sess.ctx(), content, 0.8, pattern.Options{
			AgentID: string(sess.agent),
			Domain:  domain,
		})
		if err != nil {
			fmt.Printf("Error storing pattern: %v\n", err)
			return
		}
		fmt.Printf("Pattern %s (usage %d, confidence %.2f)\n", p.ID, p.UsageCount, p.Confidence)

	case cmdPatterns:
		patterns, err := sess.engine.Patterns().QueryByDomain(sess.ctx(), rest)
		if err != nil {
			fmt.Printf("Error querying patterns: %v\n", err)
			return
		}
		if len(patterns) == 0 {
			fmt.Println("No patterns in that domain.")
			return
		}
		for i, p := range patterns {
			fmt.Printf("Pattern %d: %s\n  id=%s usage=%d success=%.2f confidence=%.2f\n",
				i+1, p.Content, p.ID, p.UsageCount, p.SuccessRate, p.Confidence)
		}

	case cmdOutcome:
		id, outcome, ok := splitTwo(rest)
		if !ok || (outcome != "ok" && outcome != "fail") {
			fmt.Println("Usage: !outcome <pattern-id> <ok|fail>")
			return
		}
		if err := sess.engine.Patterns().RecordOutcome(sess.ctx(), id, outcome == "ok"); err != nil {
			fmt.Printf("Error recording outcome: %v\n", err)
			return
		}
		fmt.Println("Outcome recorded.")

	case cmdReward:
		fields := strings.Fields(rest)
		if len(fields) != 4 {
			fmt.Println("Usage: !reward <state> <action> <reward> <next-state>")
			return
		}
		reward, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			fmt.Printf("Invalid reward: %v\n", err)
			return
		}
		sess.engine.RecordExperience(sess.ctx(), sess.agent,
			map[string]interface{}{"state": fields[0]},
			fields[1], reward,
			map[string]interface{}{"state": fields[3]})
		fmt.Printf("Recorded. In-process total: %d\n",
			sess.engine.Learning().TotalExperiences(sess.agent))

	case cmdStrategy:
		action, value, err := sess.engine.Learning().RecommendStrategy(sess.ctx(), sess.agent,
			map[string]interface{}{"state": rest})
		if err != nil {
			fmt.Printf("Error recommending strategy: %v\n", err)
			return
		}
		fmt.Printf("Best action: %s (value %.4f)\n", action, value)

	case cmdPlan:
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			fmt.Println("Usage: !plan <goal-id> [fact ...]")
			return
		}
		start := goap.WorldState{}
		for _, fact := range fields[1:] {
			start[fact] = true
		}
		plan, err := sess.engine.Plans().Formulate(sess.ctx(), sess.agent, fields[0], start)
		if err != nil {
			fmt.Printf("Error formulating plan: %v\n", err)
			return
		}
		fmt.Printf("Plan %s (cost %.1f): %s\n", plan.ID, plan.TotalCost, strings.Join(plan.ActionIDs, " -> "))

	case cmdConsolidate:
		report, err := sess.engine.ConsolidatePatterns(sess.ctx())
		if err != nil {
			fmt.Printf("Error consolidating: %v\n", err)
			return
		}
		fmt.Printf("Scanned %d patterns, %d clusters, merged %d\n",
			report.Scanned, report.Clusters, report.Merged)

	case cmdSweep:
		removed, err := sess.engine.Sweep(sess.ctx())
		if err != nil {
			fmt.Printf("Error sweeping: %v\n", err)
			return
		}
		fmt.Printf("Removed %d expired rows\n", removed)

	case cmdMetrics:
		m := sess.engine.SyncMetrics()
		fmt.Printf("Syncs: %d total, %d ok, %d failed\n", m.TotalSyncs, m.SuccessfulSyncs, m.FailedSyncs)
		fmt.Printf("Average duration: %s, bytes: %d\n", m.AverageSyncDuration, m.BytesTransferred)

	default:
		fmt.Printf("Unknown command: %s\nType !help for available commands.\n", cmd)
	}
}

// splitTwo splits "first rest of line" into its head and tail.
func splitTwo(s string) (string, string, bool) {
	parts := strings.SplitN(s, " ", 2)
	if len(parts) != 2 || parts[0] == "" || strings.TrimSpace(parts[1]) == "" {
		return "", "", false
	}
	return parts[0], strings.TrimSpace(parts[1]), true
}

// rawValue passes JSON through untouched and quotes plain text.
func rawValue(s string) json.RawMessage {
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	quoted, _ := json.Marshal(s)
	return json.RawMessage(quoted)
}
