package strategy

import (
	"studyloop/features/content"
	g "studyloop/internal/generation"
)

const systemPrompt = `You are an experienced university tutor who writes study material strictly from the course content you are given.
Never invent facts that are not supported by the content. Answer with a single JSON object and nothing else.`

const materialSection = `
{{if .Focus}}Focus on: {{.Focus}}
{{end}}{{if .Style}}Style: {{.Style}}
{{end}}
Respond with a JSON object of the form {"{{.WrapperKey}}": [...]}.

Course content:
"""
{{.Content}}
"""`

const (
	notesPrompt = `Write {{.Count}} golden notes that capture the most important ideas a student must remember.
Each note has a short title, a self-contained explanation, a priority (high, medium or low) and a category such as definition, formula, process or example.`

	cuecardsPrompt = `Create {{.Count}} cuecards at {{.Difficulty}} difficulty.
Each cuecard has a question on the front and a concise answer on the back.`

	mcqsPrompt = `Write {{.Count}} multiple-choice questions at {{.Difficulty}} difficulty.
Every question has exactly {{.OptionCount}} options, one correct option identified by its zero-based correctIndex, and an explanation of why it is correct.`

	openQuestionsPrompt = `Write {{.Count}} open questions at {{.Difficulty}} difficulty that require a written answer.
Provide a model answer and a grading rubric listing criteria with the points each is worth.`

	summariesPrompt = `Write {{.Count}} summary of the content. Each summary has a title, a prose summary and a list of key points.`

	conceptMapsPrompt = `Build {{.Count}} concept map of the content. Nodes are concepts with a unique id and a label; edges connect node ids and name the relationship.`
)

var difficulty = g.Enum("difficulty of the item", content.Difficulties...)

func prompt(user string) Prompt {
	return Prompt{System: systemPrompt, UserTemplate: user + materialSection}
}

func NewNotes(store Store) Strategy {
	item := g.Object([]string{"title", "content", "priority", "category"}, map[string]*g.Schema{
		"title":    g.String("short heading"),
		"content":  g.String("self-contained explanation"),
		"priority": g.Enum("how important the note is", content.Priorities...),
		"category": g.String("kind of note"),
	})
	return &base{
		contentType:  content.TypeNotes,
		defaultCount: 10,
		prompt:       prompt(notesPrompt),
		item:         item,
		persist:      persistWith(store.SaveNotes),
	}
}

func NewCuecards(store Store) Strategy {
	item := g.Object([]string{"question", "answer", "difficulty"}, map[string]*g.Schema{
		"question":   g.String("front of the card"),
		"answer":     g.String("back of the card"),
		"difficulty": difficulty,
	})
	return &base{
		contentType:  content.TypeCuecards,
		defaultCount: 20,
		prompt:       prompt(cuecardsPrompt),
		item:         item,
		persist:      persistWith(store.SaveCuecards),
	}
}

func NewMCQs(store Store) Strategy {
	options := g.ArrayOf(g.String("answer option"))
	options.MinItems, options.MaxItems = 4, 4

	item := g.Object([]string{"question", "options", "correctIndex", "explanation", "difficulty"}, map[string]*g.Schema{
		"question":     g.String("question stem"),
		"options":      options,
		"correctIndex": g.Integer("zero-based index of the correct option", 0, 3),
		"explanation":  g.String("why the correct option is right"),
		"difficulty":   difficulty,
	})
	return &base{
		contentType:  content.TypeMCQs,
		defaultCount: 10,
		extra:        map[string]any{"OptionCount": 4},
		prompt:       prompt(mcqsPrompt),
		item:         item,
		persist:      persistWith(store.SaveMCQs),
	}
}

func NewOpenQuestions(store Store) Strategy {
	rubric := g.ArrayOf(g.Object([]string{"criterion", "points"}, map[string]*g.Schema{
		"criterion": g.String("what a good answer must contain"),
		"points":    g.Integer("points awarded for the criterion", 1, 100),
	}))
	rubric.MinItems = 1

	item := g.Object([]string{"question", "modelAnswer", "rubric", "difficulty"}, map[string]*g.Schema{
		"question":    g.String("the question"),
		"modelAnswer": g.String("a complete reference answer"),
		"rubric":      rubric,
		"difficulty":  difficulty,
	})
	return &base{
		contentType:  content.TypeOpenQuestions,
		defaultCount: 5,
		prompt:       prompt(openQuestionsPrompt),
		item:         item,
		persist:      persistWith(store.SaveOpenQuestions),
	}
}

func NewSummaries(store Store) Strategy {
	keyPoints := g.ArrayOf(g.String("key point"))
	keyPoints.MinItems = 1

	item := g.Object([]string{"title", "content", "keyPoints"}, map[string]*g.Schema{
		"title":     g.String("summary title"),
		"content":   g.String("prose summary"),
		"keyPoints": keyPoints,
	})
	return &base{
		contentType:  content.TypeSummaries,
		defaultCount: 1,
		prompt:       prompt(summariesPrompt),
		item:         item,
		persist:      persistWith(store.SaveSummaries),
	}
}

func NewConceptMaps(store Store) Strategy {
	nodes := g.ArrayOf(g.Object([]string{"id", "label"}, map[string]*g.Schema{
		"id":    g.String("unique node id"),
		"label": g.String("concept name"),
	}))
	nodes.MinItems = 1
	edges := g.ArrayOf(g.Object([]string{"from", "to"}, map[string]*g.Schema{
		"from":  g.String("source node id"),
		"to":    g.String("target node id"),
		"label": g.String("relationship"),
	}))

	item := g.Object([]string{"title", "nodes"}, map[string]*g.Schema{
		"title": g.String("map title"),
		"nodes": nodes,
		"edges": edges,
	})
	return &base{
		contentType:  content.TypeConceptMaps,
		defaultCount: 1,
		prompt:       prompt(conceptMapsPrompt),
		item:         item,
		persist:      persistWith(store.SaveConceptMaps),
	}
}
