package main

import (
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/yabadabu/mini-firestore/firestore"
)

type person struct {
	Name string `json:"name"`
	Age  int    `json:"age"`
}

type school struct {
	City       string   `json:"city"`
	Age        int      `json:"age"`
	Ratio      float64  `json:"ratio"`
	Director   person   `json:"director"`
	Population []person `json:"population"`
	IsLocal    bool     `json:"is_local"`
	IsPrivate  bool     `json:"is_private"`
}

func initSchool() school {
	return school{
		City:      "Barcelona",
		Age:       150,
		Ratio:     0.8,
		Director:  person{Name: "Sr. Director", Age: 80},
		IsLocal:   true,
		IsPrivate: false,
		Population: []person{
			{Name: "John", Age: 20},
			{Name: "Peter", Age: 19},
			{Name: "Alex", Age: 15},
		},
	}
}

// demo exercises every operation against a scratch collection, failing
// loudly on the first unexpected result.
func demo(session *firestore.Session) {
	// a fresh collection per run keeps reruns independent
	root := "demo-" + strings.ToLower(ulid.Make().String())
	Out.Printf("demo collection: %s", root)

	demoTime(session, root)
	demoPatch(session, root)
	demoList(session, root)
	demoInc(session, root)
	demoSubCollections(session, root)
	demoDelete(session, root)
	demoAddReadWriteDelete(session, root)
	demoQuery(session, root)

	Out.Printf("demo ok")
}

func expect(ok bool, what string) {
	if !ok {
		Err.Fatalf("demo: %s", what)
	}
}

func expectOK(result *firestore.Result, what string) {
	if result.Err != 0 {
		Err.Fatalf("demo: %s failed (%d): %s", what, result.Err, result.Raw)
	}
}

func demoTime(session *firestore.Session, root string) {
	Out.Printf("time round-trip...")
	now := time.Unix(time.Now().Unix(), 0)
	stamp := firestore.FormatTimestamp(now)
	back, err := firestore.ParseTimestamp(stamp)
	expect(err == nil, "parse timestamp")
	expect(back.Unix() == now.Unix(), "timestamp epoch mismatch")

	ref := session.Ref(root).Child("time_store")
	ref.Write(map[string]any{"time_stamp": stamp}, func(result *firestore.Result) {
		expectOK(result, "write timestamp")
		ref.Read(func(result *firestore.Result) {
			expectOK(result, "read timestamp")
			doc := result.Value.(map[string]any)
			expect(doc["time_stamp"] == stamp, "stored timestamp mismatch")
		})
	})
	pump(session)
}

func demoPatch(session *firestore.Session, root string) {
	Out.Printf("patch...")
	ref := session.Ref(root).Child("patch")
	newDirector := person{Name: "Old Man", Age: 99}
	ref.Write(initSchool(), func(result *firestore.Result) {
		expectOK(result, "write school")
		ref.Patch("director", newDirector, func(result *firestore.Result) {
			expectOK(result, "patch director")
			ref.Read(func(result *firestore.Result) {
				expectOK(result, "read school")
				var read school
				expect(result.Decode(&read) == nil, "decode school")
				expect(read.Director == newDirector, "director not patched")
				expect(read.City == initSchool().City, "patch touched a sibling field")
			})
		})
	})
	pump(session)
}

func demoList(session *firestore.Session, root string) {
	Out.Printf("list...")
	session.Ref(root).List(func(result *firestore.Result) {
		expectOK(result, "list")
		printValue(result.Value)
	})
	pump(session)
}

func demoInc(session *firestore.Session, root string) {
	Out.Printf("inc on a nested field...")
	ref := session.Ref(root).Child("inc")
	before := initSchool()
	delta := 5.0
	ref.Write(before, func(result *firestore.Result) {
		expectOK(result, "write school")
		ref.Inc("director.age", delta, func(result *firestore.Result) {
			expectOK(result, "inc director.age")
			ref.Read(func(result *firestore.Result) {
				expectOK(result, "read school")
				var after school
				expect(result.Decode(&after) == nil, "decode school")
				expect(after.Director.Age == before.Director.Age+int(delta), "increment mismatch")
			})
		})
	})
	pump(session)
}

func demoSubCollections(session *firestore.Session, root string) {
	Out.Printf("subcollections...")
	ref := session.Ref(root).Child("owner")
	connections := ref.Child("connections")
	completed := 0
	ref.Write(person{Name: "Sr. Smith", Age: 30}, func(result *firestore.Result) {
		expectOK(result, "write owner")
		reportDone := func(result *firestore.Result) {
			expectOK(result, "add connection")
			completed += 1
			if completed == 4 {
				connections.Query(nil, func(result *firestore.Result) {
					expectOK(result, "query connections")
					docs := result.Value.([]any)
					expect(len(docs) == 4, "expected 4 connections")
				})
			}
		}
		connections.Add(person{Name: "Adam", Age: 24}, reportDone)
		connections.Add(person{Name: "Berta", Age: 25}, reportDone)
		connections.Add(person{Name: "Charles", Age: 22}, reportDone)
		connections.Add(person{Name: "Dickens", Age: 42}, reportDone)
	})
	pump(session)
}

func demoDelete(session *firestore.Session, root string) {
	Out.Printf("delete...")
	ref := session.Ref(root).Child("James")
	ref.Write(person{Name: "James", Age: 99}, func(result *firestore.Result) {
		expectOK(result, "write")
		ref.Del(func(result *firestore.Result) {
			expectOK(result, "del")
			ref.Read(func(result *firestore.Result) {
				expect(result.Err == firestore.ErrDocMissing, "deleted doc still reads back")
			})
		})
	})
	pump(session)
}

func demoAddReadWriteDelete(session *firestore.Session, root string) {
	Out.Printf("add, read, write, delete...")
	collection := session.Ref(root)
	first := initSchool()
	collection.Add(first, func(result *firestore.Result) {
		expectOK(result, "add school")
		ref := collection.Child(result.AddedID)
		Out.Printf("  new id: %s", ref.ID())

		ref.Read(func(result *firestore.Result) {
			expectOK(result, "read school")
			var read school
			expect(result.Decode(&read) == nil, "decode school")

			changed := first
			changed.City = "Girona"
			changed.Age = 250
			changed.Ratio = 0.3
			ref.Write(changed, func(result *firestore.Result) {
				expectOK(result, "write school")
				ref.Read(func(result *firestore.Result) {
					expectOK(result, "read school back")
					var back school
					expect(result.Decode(&back) == nil, "decode school")
					expect(back.City == "Girona" && back.Age == 250, "write not applied")
					ref.Del(func(result *firestore.Result) {
						expectOK(result, "del school")
					})
				})
			})
		})
	})
	pump(session)
}

func demoQuery(session *firestore.Session, root string) {
	Out.Printf("queries...")
	collection := session.Ref(root).Child("owner").Child("people")

	people := []person{
		{Name: "John-30", Age: 30},
		{Name: "Mary-40", Age: 40},
		{Name: "Alex-20", Age: 20},
		{Name: "Peter-25", Age: 25},
		{Name: "Ander-50", Age: 50},
	}
	for _, p := range people {
		collection.Add(p, func(result *firestore.Result) {
			expectOK(result, "add person")
		})
	}
	pump(session)

	checkQuery := func(q *firestore.Query, expected int, title string) {
		collection.Query(q, func(result *firestore.Result) {
			expectOK(result, title)
			docs := result.Value.([]any)
			for _, el := range docs {
				doc := el.(map[string]any)
				Out.Printf("  [%s] age:%v name:%v id:%v", title, doc["age"], doc["name"], doc[firestore.DocIDKey])
			}
			expect(len(docs) == expected, title+": unexpected result count")
		})
		pump(session)
	}

	checkQuery(&firestore.Query{
		Conditions: []firestore.Condition{{Field: "age", Op: firestore.GreaterThan, Value: 25}},
	}, 3, "age > 25")

	checkQuery(&firestore.Query{
		Conditions: []firestore.Condition{{Field: "age", Op: firestore.GreaterThanOrEqual, Value: 25}},
	}, 4, "age >= 25")

	checkQuery(&firestore.Query{
		Conditions: []firestore.Condition{
			{Field: "age", Op: firestore.GreaterThanOrEqual, Value: 25},
			{Field: "age", Op: firestore.LessThan, Value: 45},
		},
	}, 3, "25 <= age < 45")

	checkQuery(&firestore.Query{
		OrderBy: []firestore.OrderBy{{Field: "age", Direction: firestore.Ascending}},
	}, 5, "ascending")

	checkQuery(&firestore.Query{
		OrderBy: []firestore.OrderBy{{Field: "age", Direction: firestore.Descending}},
		Limit:   3,
	}, 3, "descending limit 3")
}
